package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type testClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newTestClient(baseURL, apiKey string) *testClient {
	return &testClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (c *testClient) doRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	require.NoError(t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (c *testClient) attach(t *testing.T, userID, challengeID string) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "POST", "/v1/challenges/"+challengeID+"/attach", map[string]any{
		"user_id": userID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res map[string]any
	decodeBody(t, resp, &res)
	return res
}

func (c *testClient) detach(t *testing.T, userID, challengeID string) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "POST", "/v1/challenges/"+challengeID+"/detach", map[string]any{
		"user_id": userID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res map[string]any
	decodeBody(t, resp, &res)
	return res
}
