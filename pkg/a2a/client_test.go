package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/proofshell/pfs/pkg/jsonrpc"
)

// roundTripFunc serves canned responses without touching the network.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func fakeClient(t *testing.T, handler roundTripFunc) *Client {
	t.Helper()
	card := &a2a.AgentCard{Name: "fake", URL: "https://agent.example.com/a2a", Version: "1.0.0"}
	c, err := NewClient(card, WithHTTPClient(&http.Client{Transport: handler}), WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func TestNewClientRejectsPrivateURLs(t *testing.T) {
	urls := []string{
		"http://localhost:8080",
		"http://127.0.0.1:9999/a2a",
		"https://[::1]/a2a",
		"http://10.1.2.3/agent",
		"http://192.168.0.12:8080",
		"http://169.254.169.254/latest",
	}
	for _, url := range urls {
		t.Run(url, func(t *testing.T) {
			_, err := NewClient(&a2a.AgentCard{Name: "x", URL: url, Version: "1"})
			if !errors.Is(err, ErrPrivateURL) {
				t.Fatalf("NewClient(%q) = %v, want ErrPrivateURL", url, err)
			}
			if err.Error() != "Private or local URLs are not allowed" {
				t.Fatalf("unexpected message %q", err.Error())
			}
		})
	}
}

func TestGetTaskStatusParsing(t *testing.T) {
	statuses := []TaskStatus{
		StatusPending, StatusWorking, StatusInputRequired,
		StatusCompleted, StatusFailed, StatusCanceled, StatusRejected,
	}
	for _, want := range statuses {
		t.Run(string(want), func(t *testing.T) {
			c := fakeClient(t, func(req *http.Request) (*http.Response, error) {
				body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":{"id":"task-123","status":%q,"messages":[]}}`, want)
				return jsonResponse(200, body), nil
			})

			task, err := c.GetTask(context.Background(), "task-123")
			if err != nil {
				t.Fatalf("GetTask: %v", err)
			}
			if task.ID != "task-123" || task.Status != want {
				t.Fatalf("got task %+v, want id=task-123 status=%s", task, want)
			}
		})
	}
}

func TestGetTaskRejectsUnknownStatus(t *testing.T) {
	c := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"jsonrpc":"2.0","id":1,"result":{"id":"t","status":"exploded"}}`), nil
	})
	if _, err := c.GetTask(context.Background(), "t"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestTaskAddressing(t *testing.T) {
	var gotParams taskParams
	c := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		var msg jsonrpc.Message
		data, _ := io.ReadAll(req.Body)
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("request body: %v", err)
		}
		if msg.Method != "tasks/cancel" {
			t.Fatalf("method = %s", msg.Method)
		}
		if err := json.Unmarshal(msg.Params, &gotParams); err != nil {
			t.Fatalf("params: %v", err)
		}
		return jsonResponse(200, `{"jsonrpc":"2.0","id":1,"result":{"id":"abc","status":"canceled"}}`), nil
	})

	if _, err := c.CancelTask(context.Background(), "abc"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if gotParams.Name != "tasks/abc" {
		t.Fatalf("task addressed as %q, want tasks/abc", gotParams.Name)
	}
}

func TestSendMessageBlockingConfiguration(t *testing.T) {
	var got sendParams
	c := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		var msg jsonrpc.Message
		data, _ := io.ReadAll(req.Body)
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("request body: %v", err)
		}
		if err := json.Unmarshal(msg.Params, &got); err != nil {
			t.Fatalf("params: %v", err)
		}
		return jsonResponse(200, `{"jsonrpc":"2.0","id":1,"result":{"id":"t1","status":"completed","messages":[]}}`), nil
	})

	task, err := c.SendMessage(context.Background(), TextMessage("hi"), &SendConfiguration{Blocking: true})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if task.Status != StatusCompleted {
		t.Fatalf("status = %s", task.Status)
	}
	if got.Configuration == nil || !got.Configuration.Blocking {
		t.Fatalf("configuration.blocking not carried: %+v", got.Configuration)
	}
	if len(got.Message.Parts) != 1 || got.Message.Parts[0].Text != "hi" {
		t.Fatalf("message parts = %+v", got.Message.Parts)
	}
}

func TestCallSurfacesJSONRPCError(t *testing.T) {
	c := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"jsonrpc":"2.0","id":1,"error":{"code":-32001,"message":"task not found"}}`), nil
	})

	_, err := c.GetTask(context.Background(), "missing")
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *jsonrpc.Error", err)
	}
	if rpcErr.Code != -32001 {
		t.Fatalf("code = %d", rpcErr.Code)
	}
}

func TestCallInvalidJSONBody(t *testing.T) {
	c := fakeClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `<html>upstream proxy error</html>`), nil
	})

	_, err := c.GetTask(context.Background(), "t")
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}
}
