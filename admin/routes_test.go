package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/forwarder"
	"github.com/maxpert/forwarder/xid"
)

func newTestAPI(t *testing.T) (*forwarder.Forwarder, *engine.Local, http.Handler) {
	t.Helper()
	eng, err := engine.Open(engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	fwd, err := forwarder.New(eng, forwarder.Options{UID: "local1", CommitCount: 4})
	require.NoError(t, err)
	return fwd, eng, Router(NewAdminHandlers(fwd))
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestChannelsEndpoints(t *testing.T) {
	_, _, api := newTestAPI(t)

	code, out := do(t, api, http.MethodGet, "/channels", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, out["data"])

	code, _ = do(t, api, http.MethodGet, "/channels/peer1", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, out = do(t, api, http.MethodPost, "/channels/peer1/messages",
		`{"destination":"orders/eu","body":"hello","reliable":true,"properties":{"k":"v"}}`)
	require.Equal(t, http.StatusAccepted, code, out)
	assert.EqualValues(t, 1, out["data"].(map[string]interface{})["seq"])

	code, out = do(t, api, http.MethodGet, "/channels/peer1", "")
	require.Equal(t, http.StatusOK, code)
	info := out["data"].(map[string]interface{})
	assert.Equal(t, "peer1", info["uid"])
	assert.EqualValues(t, 1, info["queue_depth"])

	code, out = do(t, api, http.MethodGet, "/channels", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, out["data"], 1)
}

func TestForwardMessageRejects(t *testing.T) {
	_, _, api := newTestAPI(t)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed body", "/channels/peer1/messages", `{"destination":`},
		{"unknown field", "/channels/peer1/messages", `{"destination":"a","queue":"b"}`},
		{"no destination", "/channels/peer1/messages", `{"body":"x"}`},
		{"local broker", "/channels/local1/messages", `{"destination":"a"}`},
		{"invalid uid", "/channels/peer_1/messages", `{"destination":"a"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, out := do(t, api, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func preparedXID(t *testing.T, eng *engine.Local) xid.Xid {
	t.Helper()
	client, err := engine.Await(func(done engine.Callback[*engine.ClientState]) engine.Result[*engine.ClientState] {
		return eng.CreateClientState("op", "op", done)
	})
	require.NoError(t, err)
	session, err := engine.Await(func(done engine.Callback[*engine.Session]) engine.Result[*engine.Session] {
		return eng.CreateSession(client, done)
	})
	require.NoError(t, err)

	x, err := xid.Make(xid.BranchSender, "peer1_local1_9")
	require.NoError(t, err)
	txn, err := engine.Await(func(done engine.Callback[*engine.Transaction]) engine.Result[*engine.Transaction] {
		return eng.CreateGlobalTransaction(session, x, done)
	})
	require.NoError(t, err)
	_, err = engine.Await(func(done engine.Callback[engine.Void]) engine.Result[engine.Void] {
		return eng.PutMessage(txn, &engine.Message{Destination: "orders/eu", Body: []byte("held"), Reliable: true}, done)
	})
	require.NoError(t, err)
	_, err = engine.Await(func(done engine.Callback[engine.Void]) engine.Result[engine.Void] {
		return eng.PrepareGlobalTransaction(x, done)
	})
	require.NoError(t, err)
	return x
}

func TestCompleteTransaction(t *testing.T) {
	_, eng, api := newTestAPI(t)
	x := preparedXID(t, eng)
	path := "/transactions/" + x.String() + "/complete"

	code, out := do(t, api, http.MethodGet, "/transactions", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out["data"], 1)
	assert.Equal(t, x.String(), out["data"].([]interface{})[0].(map[string]interface{})["xid"])

	code, _ = do(t, api, http.MethodPost, path+"?outcome=maybe", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, api, http.MethodPost, "/transactions/nonsense/complete?outcome=commit", "")
	assert.Equal(t, http.StatusBadRequest, code)

	other, err := xid.Make(xid.BranchSender, "peer1_local1_10")
	require.NoError(t, err)
	code, _ = do(t, api, http.MethodPost, "/transactions/"+other.String()+"/complete?outcome=commit", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, out = do(t, api, http.MethodPost, path+"?outcome=commit", "")
	require.Equal(t, http.StatusOK, code, out)
	assert.EqualValues(t, 1, eng.DestinationDepth("orders/eu"))

	code, _ = do(t, api, http.MethodPost, path+"?outcome=rollback", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestBrowseDestination(t *testing.T) {
	_, eng, api := newTestAPI(t)
	for _, body := range []string{"one", "two", "three"} {
		_, err := engine.Await(func(done engine.Callback[engine.Void]) engine.Result[engine.Void] {
			return eng.PutMessage(nil, &engine.Message{Destination: "orders/eu", Body: []byte(body)}, done)
		})
		require.NoError(t, err)
	}

	code, out := do(t, api, http.MethodGet, "/destinations/orders/eu?limit=2", "")
	require.Equal(t, http.StatusOK, code, out)
	data := out["data"].(map[string]interface{})
	assert.Equal(t, "orders/eu", data["destination"])
	assert.EqualValues(t, 3, data["depth"])
	msgs := data["messages"].([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].(map[string]interface{})["body"])
	assert.Equal(t, "two", msgs[1].(map[string]interface{})["body"])

	code, _ = do(t, api, http.MethodGet, "/destinations/orders/eu?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, code)
}
