// Package testutils hosts the in-process echo MCP server shared by the
// transport, mcp, proxy and gateway tests. The server speaks line-delimited
// JSON-RPC over any reader/writer pair and can be re-executed as a real
// child process through the standard helper-process pattern.
package testutils

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/proofshell/pfs/pkg/jsonrpc"
)

const protocolVersion = "2024-11-05"

// EchoHelperEnv marks a re-executed test binary as the echo server. Tests
// spawn os.Args[0] with this variable set; TestHelperProcess then calls
// RunEchoHelper instead of running as a test.
const EchoHelperEnv = "PFS_ECHO_HELPER"

// EchoCommand returns the command and args that re-execute the current
// test binary as an echo server child process. The caller adds
// EchoHelperEnv=1 to the child environment.
func EchoCommand() (string, []string) {
	return os.Args[0], []string{"-test.run=TestHelperProcess", "--"}
}

// RunEchoHelper serves the echo server over the process stdio and exits.
// It returns immediately when EchoHelperEnv is unset, so the hosting
// TestHelperProcess stays a no-op during normal test runs.
func RunEchoHelper() {
	if os.Getenv(EchoHelperEnv) != "1" {
		return
	}
	_ = ServeEcho(os.Stdin, os.Stdout)
	os.Exit(0)
}

// Tool argument shapes. Input schemas are reflected from these.

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo back"`
}

type addArgs struct {
	A int `json:"a" jsonschema:"description=First addend"`
	B int `json:"b" jsonschema:"description=Second addend"`
}

type sleepArgs struct {
	Ms int `json:"ms" jsonschema:"description=Milliseconds to sleep"`
}

type textArgs struct {
	Text string `json:"text"`
}

type concatArgs struct {
	A string `json:"a"`
	B string `json:"b"`
}

type repeatArgs struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

type failArgs struct {
	Message string `json:"message,omitempty" jsonschema:"description=Error text to return"`
}

type envArgs struct {
	Name string `json:"name" jsonschema:"description=Environment variable to read"`
}

// EchoTools returns the server's tool catalog.
func EchoTools() []mcp.Tool {
	return []mcp.Tool{
		{Name: "echo", Description: "Echo the input text back", InputSchema: inputSchema(&echoArgs{})},
		{Name: "add", Description: "Add two integers", InputSchema: inputSchema(&addArgs{})},
		{Name: "sleep", Description: "Sleep for the given number of milliseconds", InputSchema: inputSchema(&sleepArgs{})},
		{Name: "reverse", Description: "Reverse the input text", InputSchema: inputSchema(&textArgs{})},
		{Name: "uppercase", Description: "Uppercase the input text", InputSchema: inputSchema(&textArgs{})},
		{Name: "lowercase", Description: "Lowercase the input text", InputSchema: inputSchema(&textArgs{})},
		{Name: "length", Description: "Count the characters of the input text", InputSchema: inputSchema(&textArgs{})},
		{Name: "concat", Description: "Concatenate two strings", InputSchema: inputSchema(&concatArgs{})},
		{Name: "repeat", Description: "Repeat the input text count times", InputSchema: inputSchema(&repeatArgs{})},
		{Name: "fail", Description: "Return a tool error", InputSchema: inputSchema(&failArgs{})},
		{Name: "env", Description: "Read an environment variable", InputSchema: inputSchema(&envArgs{})},
	}
}

// inputSchema reflects a Go argument struct into the MCP schema shape.
func inputSchema(v any) mcp.ToolInputSchema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return mcp.ToolInputSchema{Type: "object"}
	}
	var flat struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return mcp.ToolInputSchema{Type: "object"}
	}
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: flat.Properties,
		Required:   flat.Required,
	}
}

// ServeEcho runs the echo server loop until r is exhausted. Notifications
// are absorbed, malformed lines get a parse error with a null id, and
// unknown methods get -32601. Responses are written one per line.
func ServeEcho(r io.Reader, w io.Writer) error {
	srv := &echoServer{out: w}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		msg, err := jsonrpc.Parse(line)
		if err != nil {
			srv.write(jsonrpc.NewErrorResponse(nil,
				jsonrpc.NewError(jsonrpc.CodeParseError, "Parse error", nil)))
			continue
		}

		switch msg.Kind() {
		case jsonrpc.KindRequest:
			srv.write(srv.handle(msg))
		case jsonrpc.KindNotification:
			// notifications/initialized and friends need no answer
		default:
			srv.write(jsonrpc.NewErrorResponse(msg.ID,
				jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "Invalid Request", nil)))
		}
	}
	return scanner.Err()
}

type echoServer struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *echoServer) write(msg *jsonrpc.Message) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s\n", data)
}

func (s *echoServer) handle(msg *jsonrpc.Message) *jsonrpc.Message {
	switch msg.Method {
	case "initialize":
		return s.result(msg, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
			},
			"serverInfo": map[string]any{"name": "echo-server", "version": "1.0.0"},
		})
	case "ping":
		return s.result(msg, map[string]any{})
	case "tools/list":
		return s.result(msg, map[string]any{"tools": EchoTools()})
	case "tools/call":
		return s.callTool(msg)
	case "resources/list":
		return s.result(msg, map[string]any{
			"resources": []map[string]any{{
				"uri":      "echo://greeting",
				"name":     "greeting",
				"mimeType": "text/plain",
			}},
		})
	case "resources/read":
		return s.readResource(msg)
	default:
		return jsonrpc.NewErrorResponse(msg.ID,
			jsonrpc.NewError(jsonrpc.CodeMethodNotFound,
				fmt.Sprintf("Method not found: %s", msg.Method), nil))
	}
}

func (s *echoServer) result(msg *jsonrpc.Message, result any) *jsonrpc.Message {
	resp, err := jsonrpc.NewResponse(msg.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(msg.ID,
			jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error(), nil))
	}
	return resp
}

func (s *echoServer) callTool(msg *jsonrpc.Message) *jsonrpc.Message {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(msg.ID,
			jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params", nil))
	}

	text, isErr, err := dispatch(params.Name, params.Arguments)
	if err != nil {
		return jsonrpc.NewErrorResponse(msg.ID,
			jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error(), nil))
	}
	return s.result(msg, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": isErr,
	})
}

func (s *echoServer) readResource(msg *jsonrpc.Message) *jsonrpc.Message {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.NewErrorResponse(msg.ID,
			jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params", nil))
	}
	if params.URI != "echo://greeting" {
		return jsonrpc.NewErrorResponse(msg.ID,
			jsonrpc.NewError(jsonrpc.CodeInvalidParams,
				fmt.Sprintf("Unknown resource: %s", params.URI), nil))
	}
	return s.result(msg, map[string]any{
		"contents": []map[string]any{{
			"uri":      params.URI,
			"mimeType": "text/plain",
			"text":     "Hello from the echo server.",
		}},
	})
}

// dispatch executes one tool call. An unknown tool or undecodable
// arguments is a protocol-level error; "fail" produces an isError result.
func dispatch(name string, raw json.RawMessage) (text string, isErr bool, err error) {
	decode := func(v any) error {
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, v)
	}

	switch name {
	case "echo":
		var a echoArgs
		if err := decode(&a); err != nil {
			return "", false, err
		}
		return a.Text, false, nil
	case "add":
		var a addArgs
		if err := decode(&a); err != nil {
			return "", false, err
		}
		return fmt.Sprintf("The sum of %d and %d is %d.", a.A, a.B, a.A+a.B), false, nil
	case "sleep":
		var a sleepArgs
		if err := decode(&a); err != nil {
			return "", false, err
		}
		time.Sleep(time.Duration(a.Ms) * time.Millisecond)
		return fmt.Sprintf("Slept for %d ms.", a.Ms), false, nil
	case "reverse":
		var a textArgs
		if err := decode(&a); err != nil {
			return "", false, err
		}
		runes := []rune(a.Text)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), false, nil
	case "uppercase":
		var a textArgs
		if err := decode(&a); err != nil {
			return "", false, err
		}
		return strings.ToUpper(a.Text), false, nil
	case "lowercase":
		var a textArgs
		if err := decode(&a); err != nil {
			return "", false, err
		}
		return strings.ToLower(a.Text), false, nil
	case "length":
		var a textArgs
		if err := decode(&a); err != nil {
			return "", false, err
		}
		return fmt.Sprintf("%d", len([]rune(a.Text))), false, nil
	case "concat":
		var a concatArgs
		if err := decode(&a); err != nil {
			return "", false, err
		}
		return a.A + a.B, false, nil
	case "repeat":
		var a repeatArgs
		if err := decode(&a); err != nil {
			return "", false, err
		}
		if a.Count < 0 || a.Count > 10000 {
			return "", false, fmt.Errorf("count out of range: %d", a.Count)
		}
		return strings.Repeat(a.Text, a.Count), false, nil
	case "fail":
		var a failArgs
		if err := decode(&a); err != nil {
			return "", false, err
		}
		if a.Message == "" {
			a.Message = "tool failed"
		}
		return a.Message, true, nil
	case "env":
		var a envArgs
		if err := decode(&a); err != nil {
			return "", false, err
		}
		return os.Getenv(a.Name), false, nil
	default:
		return "", false, fmt.Errorf("unknown tool: %s", name)
	}
}
