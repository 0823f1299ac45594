package lark

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newReplyServer returns a test server that grants tokens and records replies.
func newReplyServer(t *testing.T) (*httptest.Server, *struct {
	tokenCalls int
	replyPaths []string
	replyAuth  []string
	replyBody  []replyRequest
}) {
	t.Helper()
	state := &struct {
		tokenCalls int
		replyPaths []string
		replyAuth  []string
		replyBody  []replyRequest
	}{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/open-apis/auth/v3/tenant_access_token/internal":
			state.tokenCalls++
			_, _ = w.Write([]byte(`{"code":0,"msg":"ok","tenant_access_token":"t-abc","expire":7200}`))
		default:
			state.replyPaths = append(state.replyPaths, r.URL.Path)
			state.replyAuth = append(state.replyAuth, r.Header.Get("Authorization"))
			var body replyRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			state.replyBody = append(state.replyBody, body)
			_, _ = w.Write([]byte(`{"code":0,"msg":"success"}`))
		}
	}))
	return srv, state
}

func TestNewClient_ValidatesCredentials(t *testing.T) {
	_, err := NewClient("", "secret")
	require.Error(t, err)
	_, err = NewClient("app", " ")
	require.Error(t, err)
}

func TestReply_HappyPath(t *testing.T) {
	srv, state := newReplyServer(t)
	defer srv.Close()

	c, err := NewClient("app-id", "app-secret", WithBaseURL(srv.URL))
	require.NoError(t, err)

	err = c.Reply(context.Background(), "om_123", "Hello!")
	require.NoError(t, err)

	require.Equal(t, []string{"/open-apis/im/v1/messages/om_123/reply"}, state.replyPaths)
	require.Equal(t, []string{"Bearer t-abc"}, state.replyAuth)
	require.Equal(t, "text", state.replyBody[0].MsgType)

	// content is a JSON-encoded string per the platform contract
	var content textContent
	require.NoError(t, json.Unmarshal([]byte(state.replyBody[0].Content), &content))
	require.Equal(t, "Hello!", content.Text)
}

func TestReply_TokenFetchedOnceWhileValid(t *testing.T) {
	srv, state := newReplyServer(t)
	defer srv.Close()

	c, err := NewClient("app-id", "app-secret", WithBaseURL(srv.URL))
	require.NoError(t, err)

	require.NoError(t, c.Reply(context.Background(), "om_1", "one"))
	require.NoError(t, c.Reply(context.Background(), "om_2", "two"))
	require.NoError(t, c.Reply(context.Background(), "om_3", "three"))
	require.Equal(t, 1, state.tokenCalls, "valid tenant token must be reused")
}

func TestReply_EmptyMessageID(t *testing.T) {
	c, err := NewClient("app-id", "app-secret")
	require.NoError(t, err)

	err = c.Reply(context.Background(), " ", "text")
	require.Error(t, err)
	require.Contains(t, err.Error(), "message id")
}

func TestReply_TokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":99991663,"msg":"app secret invalid"}`))
	}))
	defer srv.Close()

	c, err := NewClient("app-id", "bad-secret", WithBaseURL(srv.URL))
	require.NoError(t, err)

	err = c.Reply(context.Background(), "om_1", "text")
	require.Error(t, err)
	require.Contains(t, err.Error(), "token rejected")
}

func TestReply_PlatformErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/open-apis/auth/v3/tenant_access_token/internal" {
			_, _ = w.Write([]byte(`{"code":0,"tenant_access_token":"t-abc","expire":7200}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":230002,"msg":"message not found"}`))
	}))
	defer srv.Close()

	c, err := NewClient("app-id", "app-secret", WithBaseURL(srv.URL))
	require.NoError(t, err)

	err = c.Reply(context.Background(), "om_gone", "text")
	require.Error(t, err)
	require.Contains(t, err.Error(), "reply rejected")
}

func TestReply_Non2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/open-apis/auth/v3/tenant_access_token/internal" {
			_, _ = w.Write([]byte(`{"code":0,"tenant_access_token":"t-abc","expire":7200}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient("app-id", "app-secret", WithBaseURL(srv.URL))
	require.NoError(t, err)

	err = c.Reply(context.Background(), "om_1", "text")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected status 502")
}

func TestTenantToken_RefreshesAfterExpiry(t *testing.T) {
	srv, state := newReplyServer(t)
	defer srv.Close()

	c, err := NewClient("app-id", "app-secret", WithBaseURL(srv.URL))
	require.NoError(t, err)

	require.NoError(t, c.Reply(context.Background(), "om_1", "one"))

	// force the cached token past its expiry
	c.mu.Lock()
	c.tokenExpiry = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	require.NoError(t, c.Reply(context.Background(), "om_2", "two"))
	require.Equal(t, 2, state.tokenCalls)
}
