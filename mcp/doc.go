// Package mcp implements the client side of a JSON-RPC protocol for calling
// tools, reading resources, and expanding prompts exposed by external
// servers.
//
// The package is layered. Transport turns a byte-oriented channel into a
// message-oriented one and correlates requests with responses; the channel
// can be a spawned subprocess speaking newline-delimited JSON on its standard
// streams, a websocket, or a Server-Sent Events stream paired with HTTP
// POSTs. Client sits on top of a Transport and owns the session: the
// initialize handshake, capability gating, and locally cached catalogs of the
// server's tools, resources, and prompts.
//
//	transport := mcp.NewStdioTransport(mcp.StdioConfig{Command: "my-server"})
//	client := mcp.NewClient(mcp.Info{Name: "host", Version: "1.0.0"}, transport)
//	if err := client.Connect(ctx); err != nil {
//		...
//	}
//	defer client.Close()
//	result, err := client.CallTool(ctx, "search", map[string]any{"query": "go"})
package mcp
