package hub

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &HubError{Message: "download failed", Cause: cause}

	assert.Equal(t, "download failed: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)

	bare := &HubError{Message: "no cause"}
	assert.Equal(t, "no cause", bare.Error())
	assert.NoError(t, bare.Unwrap())
}

func TestRepositoryNotFoundError(t *testing.T) {
	err := NewRepositoryNotFoundError("org/model", RepoTypeModel, nil)
	assert.Contains(t, err.Error(), "org/model")
	assert.Equal(t, 404, err.StatusCode)

	// Non-model repos name the repo type in the message.
	err = NewRepositoryNotFoundError("org/corpus", RepoTypeDataset, nil)
	assert.Contains(t, err.Error(), "dataset repository 'org/corpus'")

	resp := &http.Response{StatusCode: 401}
	err = NewRepositoryNotFoundError("org/model", RepoTypeModel, resp)
	assert.Equal(t, 401, err.StatusCode)
}

func TestGatedRepoError(t *testing.T) {
	err := NewGatedRepoError("org/model", RepoTypeModel, nil)
	assert.Contains(t, err.Error(), "gated")
	assert.Contains(t, err.Error(), "org/model")
}

func TestRevisionNotFoundError(t *testing.T) {
	err := NewRevisionNotFoundError("org/model", RepoTypeModel, "deadbeef", nil)
	assert.Contains(t, err.Error(), "deadbeef")
	assert.Contains(t, err.Error(), "org/model")
	assert.Equal(t, "deadbeef", err.Revision)
}

func TestEntryNotFoundError(t *testing.T) {
	err := NewEntryNotFoundError("org/model", RepoTypeModel, "main", "config.json", nil)
	assert.Contains(t, err.Error(), "config.json")
	assert.Equal(t, "config.json", err.Path)

	err = NewEntryNotFoundError("org/model", RepoTypeModel, "v2", "config.json", nil)
	assert.Contains(t, err.Error(), "at revision 'v2'")
}

func TestLocalEntryNotFoundError(t *testing.T) {
	err := NewLocalEntryNotFoundError("/cache/missing.bin")
	assert.Contains(t, err.Error(), "/cache/missing.bin")
	assert.Equal(t, "/cache/missing.bin", err.Path)
}

func TestHandleHTTPError(t *testing.T) {
	mk := func(code int) *http.Response { return &http.Response{StatusCode: code} }

	err := handleHTTPError(mk(http.StatusNotFound), "org/model", RepoTypeModel, "main", "f.bin")
	var entryErr *EntryNotFoundError
	require.ErrorAs(t, err, &entryErr)

	err = handleHTTPError(mk(http.StatusUnauthorized), "org/model", RepoTypeModel, "main", "")
	var repoErr *RepositoryNotFoundError
	require.ErrorAs(t, err, &repoErr)

	err = handleHTTPError(mk(http.StatusForbidden), "org/model", RepoTypeModel, "main", "")
	var gatedErr *GatedRepoError
	require.ErrorAs(t, err, &gatedErr)

	err = handleHTTPError(mk(http.StatusInternalServerError), "org/model", RepoTypeModel, "main", "")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.StatusCode)
}
