package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
)

func TestEncryptionKeysRequestAliases(t *testing.T) {
	cases := []struct {
		name string
		body string
		want EncryptionKeysRequest
	}{
		{
			name: "canonical",
			body: `{"requester":"alice","target":"bob","count":3,"size":256}`,
			want: EncryptionKeysRequest{Requester: "alice", Target: "bob", Count: 3, SizeBits: 256},
		},
		{
			name: "legacy to and number",
			body: `{"from":"alice","to":"bob","number":2,"size_bits":128}`,
			want: EncryptionKeysRequest{Requester: "alice", Target: "bob", Count: 2, SizeBits: 128},
		},
		{
			name: "recipient and security level",
			body: `{"sender":"alice","recipient":"bob","count":1,"security_level":512}`,
			want: EncryptionKeysRequest{Requester: "alice", Target: "bob", Count: 1, SizeBits: 512},
		},
		{
			name: "camel case security level",
			body: `{"requester":"alice","target":"bob","count":1,"securityLevel":256}`,
			want: EncryptionKeysRequest{Requester: "alice", Target: "bob", Count: 1, SizeBits: 256},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got EncryptionKeysRequest
			require.NoError(t, json.Unmarshal([]byte(tc.body), &got))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEncryptionKeysRequestCanonicalWinsOverAlias(t *testing.T) {
	// When both spellings appear, the canonical field is used.
	var got EncryptionKeysRequest
	require.NoError(t, json.Unmarshal([]byte(`{"target":"bob","to":"carol","requester":"alice","count":1}`), &got))
	assert.Equal(t, "bob", got.Target)
}

func TestEncryptionKeysRequestValidate(t *testing.T) {
	valid := EncryptionKeysRequest{Requester: "alice", Target: "bob", Count: 1, SizeBits: 256}
	assert.NoError(t, valid.Validate())
	assert.Equal(t, 32, valid.SizeBytes())

	missing := valid
	missing.Requester = ""
	assert.Error(t, missing.Validate())

	odd := valid
	odd.SizeBits = 100 // not a whole number of bytes
	assert.Error(t, odd.Validate())

	zero := valid
	zero.Count = 0
	assert.Error(t, zero.Validate())
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{interfaces.ErrDuplicatePrincipal, http.StatusConflict, CodeDuplicatePrincipal},
		{interfaces.ErrUnknownPrincipal, http.StatusNotFound, CodeUnknownPrincipal},
		{interfaces.ErrInvalidSize, http.StatusBadRequest, CodeInvalidSize},
		{interfaces.ErrPoolCapacityExceeded, http.StatusConflict, CodePoolCapacityExceeded},
		{interfaces.ErrAlreadyConsumed, http.StatusConflict, CodeAlreadyConsumed},
		{interfaces.ErrKeyExpired, http.StatusGone, CodeKeyExpired},
		{interfaces.ErrNotOwned, http.StatusForbidden, CodeNotOwned},
		{interfaces.ErrUnknownKey, http.StatusNotFound, CodeUnknownKey},
		{interfaces.ErrSyncFailed, http.StatusBadGateway, CodeSyncFailed},
		{fmt.Errorf("wrapped: %w", interfaces.ErrPrincipalInactive), http.StatusConflict, CodePrincipalInactive},
		{fmt.Errorf("something else"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tc := range cases {
		status, code := ClassifyError(tc.err)
		assert.Equal(t, tc.wantStatus, status, tc.err.Error())
		assert.Equal(t, tc.wantCode, code, tc.err.Error())
	}
}

func TestClassifyErrorStructured(t *testing.T) {
	// Exhaustion and partial shortage both come from the same error type.
	exhausted := &interfaces.InsufficientKeysError{Owner: "alice", Requested: 3, Available: 0}
	status, code := ClassifyError(exhausted)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodePoolExhausted, code)

	short := &interfaces.InsufficientKeysError{Owner: "alice", Requested: 3, Available: 1}
	status, code = ClassifyError(short)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeInsufficientKeys, code)

	reuse := &interfaces.KeyNotUsableError{ID: interfaces.NewKeyID("alice", 1), State: interfaces.KeyStatusConsumed}
	status, code = ClassifyError(reuse)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeAlreadyConsumed, code)
}
