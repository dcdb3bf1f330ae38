package outline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/region"
)

type fakeServer struct {
	mu   sync.Mutex
	keys map[string]AccessKey
	next int
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/secret/access-keys":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.next++
		id := string(rune('0' + s.next))
		key := AccessKey{ID: id, Name: body["name"], AccessURL: "ss://key" + id + "@1.2.3.4:443"}
		s.keys[id] = key
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(key)
	case r.Method == http.MethodDelete:
		id := r.URL.Path[len("/secret/access-keys/"):]
		if _, ok := s.keys[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(s.keys, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func TestBackendIssueAndRevoke(t *testing.T) {
	fake := &fakeServer{keys: map[string]AccessKey{}}
	srv := httptest.NewTLSServer(fake)
	defer srv.Close()

	sum := sha256.Sum256(srv.Certificate().Raw)
	b := NewBackend(NewClient(srv.URL+"/secret", hex.EncodeToString(sum[:])))

	cred, err := b.Issue(context.Background(), region.IssueRequest{TelegramID: 9, SubscriptionID: 2, Region: "de"})
	require.NoError(t, err)
	assert.Equal(t, "1", cred.ID)
	assert.Equal(t, "ss://key1@1.2.3.4:443", cred.Access)
	assert.Equal(t, "tg9_de_s2", fake.keys["1"].Name)

	require.NoError(t, b.Revoke(context.Background(), cred.ID))
	require.NoError(t, b.Revoke(context.Background(), cred.ID), "second revoke is a no-op")
	assert.Empty(t, fake.keys)
}

func TestClientRejectsWrongFingerprint(t *testing.T) {
	srv := httptest.NewTLSServer(&fakeServer{keys: map[string]AccessKey{}})
	defer srv.Close()

	wrong := sha256.Sum256([]byte("not the cert"))
	b := NewBackend(NewClient(srv.URL+"/secret", hex.EncodeToString(wrong[:])))

	_, err := b.Issue(context.Background(), region.IssueRequest{TelegramID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint mismatch")
	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
}

func TestClientQuotaRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewBackend(NewClient(srv.URL, "")).Issue(context.Background(), region.IssueRequest{})
	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
}
