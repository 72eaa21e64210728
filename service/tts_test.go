package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"PictureBook-server/config"
	"PictureBook-server/models"
)

func testTTSClient(url string, media MediaStore) *TTSClient {
	cfg := &config.Config{}
	cfg.TTS.Endpoint = url
	cfg.TTS.Voice = "zh_female_story"
	c := NewTTSClient(cfg, media)
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	return c
}

func TestTTSAudioBytesWithoutStore(t *testing.T) {
	var body speechBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3"))
	}))
	defer srv.Close()

	url, err := testTTSClient(srv.URL, nil).Synthesize(context.Background(), SpeechRequest{Text: " 从前 ", Language: "zh"})
	require.NoError(t, err)
	assert.Equal(t, "data:audio/mpeg;base64,SUQz", url)
	assert.Equal(t, "从前", body.Input)
	assert.Equal(t, "zh_female_story", body.Voice)
	assert.Equal(t, "mp3", body.Format)
}

func TestTTSAudioBytesToStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3"))
	}))
	defer srv.Close()

	media := newMemMedia()
	url, err := testTTSClient(srv.URL, media).Synthesize(context.Background(), SpeechRequest{Text: "x", ObjectBase: "projects/p/audio/1"})
	require.NoError(t, err)
	assert.Equal(t, "mem://projects/p/audio/1.mp3", url)
	assert.Equal(t, []byte("ID3"), media.objects["projects/p/audio/1.mp3"])
}

func TestTTSJSONResponses(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		want    string
		wantErr error
	}{
		{name: "url", body: `{"url":"https://cdn.test/a.mp3"}`, want: "https://cdn.test/a.mp3"},
		{name: "base64", body: `{"audio_base64":"SUQz"}`, want: "data:audio/mpeg;base64,SUQz"},
		{name: "api error", body: `{"error":{"message":"quota"}}`, wantErr: models.ErrProvider},
		{name: "empty", body: `{}`, wantErr: models.ErrProvider},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			url, err := testTTSClient(srv.URL, nil).Synthesize(context.Background(), SpeechRequest{Text: "x"})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, url)
		})
	}
}

func TestTTSValidation(t *testing.T) {
	_, err := testTTSClient("http://127.0.0.1:1", nil).Synthesize(context.Background(), SpeechRequest{Text: "  "})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = testTTSClient("", nil).Synthesize(context.Background(), SpeechRequest{Text: "x"})
	assert.ErrorIs(t, err, models.ErrProvider)
}
