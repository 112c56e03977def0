package tika

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pai-docchat-go/internal/config"
)

func TestExtractText(t *testing.T) {
	var gotContentType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		gotContentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte("extracted text"))
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL})
	text, err := c.ExtractText(context.Background(), strings.NewReader("raw"), "slides.unknownext")
	require.NoError(t, err)
	assert.Equal(t, "extracted text", text)
	assert.Equal(t, "application/octet-stream", gotContentType)
	assert.Equal(t, "raw", gotBody)
}

func TestExtractTextStatusHandling(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantText      string
		wantErr       bool
		unprocessable bool
	}{
		{name: "empty document", status: http.StatusNoContent},
		{name: "corrupt", status: http.StatusUnprocessableEntity, wantErr: true, unprocessable: true},
		{name: "unsupported media", status: http.StatusUnsupportedMediaType, wantErr: true, unprocessable: true},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(config.TikaConfig{ServerURL: srv.URL})
			text, err := c.ExtractText(context.Background(), strings.NewReader("x"), "a.doc")
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.wantText, text)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.unprocessable, errors.Is(err, ErrUnprocessable))
		})
	}
}

func TestDetectMimeType(t *testing.T) {
	assert.Equal(t, "application/octet-stream", detectMimeType("noext"))
	assert.Equal(t, "application/pdf", detectMimeType("a.pdf"))
}
