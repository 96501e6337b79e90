package testutils

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelperProcess(t *testing.T) {
	RunEchoHelper()
}

// serve feeds newline-joined frames to the server and returns the
// response lines.
func serve(t *testing.T, frames ...string) []string {
	t.Helper()
	var out bytes.Buffer
	in := strings.NewReader(strings.Join(frames, "\n") + "\n")
	require.NoError(t, ServeEcho(in, &out))

	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestServeEchoCatalog(t *testing.T) {
	lines := serve(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	require.Len(t, lines, 2)

	var init struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &init))
	assert.Equal(t, "2024-11-05", init.Result.ProtocolVersion)

	var list struct {
		Result struct {
			Tools []struct {
				Name        string `json:"name"`
				InputSchema struct {
					Type       string         `json:"type"`
					Properties map[string]any `json:"properties"`
				} `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &list))
	require.Len(t, list.Result.Tools, 11)

	names := map[string]bool{}
	for _, tool := range list.Result.Tools {
		names[tool.Name] = true
		assert.Equal(t, "object", tool.InputSchema.Type)
	}
	assert.True(t, names["add"])
	assert.True(t, names["sleep"])

	// Reflected schemas carry real property shapes.
	for _, tool := range list.Result.Tools {
		if tool.Name == "add" {
			assert.Contains(t, tool.InputSchema.Properties, "a")
			assert.Contains(t, tool.InputSchema.Properties, "b")
		}
	}
}

func TestServeEchoAdd(t *testing.T) {
	lines := serve(t,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"add","arguments":{"a":10,"b":20}}}`,
	)
	require.Len(t, lines, 1)

	var resp struct {
		ID     int `json:"id"`
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &resp))
	assert.Equal(t, 7, resp.ID)
	require.Len(t, resp.Result.Content, 1)
	assert.Equal(t, "The sum of 10 and 20 is 30.", resp.Result.Content[0].Text)
	assert.False(t, resp.Result.IsError)
}

func TestServeEchoFailAndUnknown(t *testing.T) {
	lines := serve(t,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fail","arguments":{"message":"boom"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"bogus/method"}`,
		`not json at all`,
	)
	require.Len(t, lines, 4)

	var failResp struct {
		Result struct {
			IsError bool `json:"isError"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &failResp))
	assert.True(t, failResp.Result.IsError)
	assert.Equal(t, "boom", failResp.Result.Content[0].Text)

	var errResp struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &errResp))
	require.NotNil(t, errResp.Error)
	assert.Equal(t, -32602, errResp.Error.Code)

	require.NoError(t, json.Unmarshal([]byte(lines[2]), &errResp))
	require.NotNil(t, errResp.Error)
	assert.Equal(t, -32601, errResp.Error.Code)

	require.NoError(t, json.Unmarshal([]byte(lines[3]), &errResp))
	require.NotNil(t, errResp.Error)
	assert.Equal(t, -32700, errResp.Error.Code)
}

func TestServeEchoTextTools(t *testing.T) {
	lines := serve(t,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"reverse","arguments":{"text":"abc"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"uppercase","arguments":{"text":"abc"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"concat","arguments":{"a":"foo","b":"bar"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"repeat","arguments":{"text":"ab","count":3}}}`,
	)
	require.Len(t, lines, 4)

	texts := make([]string, 0, 4)
	for _, line := range lines {
		var resp struct {
			Result struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"result"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		require.NotEmpty(t, resp.Result.Content)
		texts = append(texts, resp.Result.Content[0].Text)
	}
	assert.Equal(t, []string{"cba", "ABC", "foobar", "ababab"}, texts)
}

func TestServeEchoResources(t *testing.T) {
	lines := serve(t,
		`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"echo://greeting"}}`,
	)
	require.Len(t, lines, 2)

	var list struct {
		Result struct {
			Resources []struct {
				URI string `json:"uri"`
			} `json:"resources"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &list))
	require.Len(t, list.Result.Resources, 1)
	assert.Equal(t, "echo://greeting", list.Result.Resources[0].URI)

	var read struct {
		Result struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &read))
	require.Len(t, read.Result.Contents, 1)
	assert.Equal(t, "Hello from the echo server.", read.Result.Contents[0].Text)
}
