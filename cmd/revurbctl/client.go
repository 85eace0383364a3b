package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// client is a minimal HTTP client for the Control API, reimplementing the
// same request-signing algorithm as internal/httpapi/middleware.
// requestSignature — duplicated rather than imported since that function is
// unexported.
type client struct {
	base   string
	appID  string
	key    string
	secret string
	http   *http.Client
}

func newClient() *client {
	return &client{
		base:   strings.TrimRight(flagServer, "/"),
		appID:  flagAppID,
		key:    flagKey,
		secret: flagSecret,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// do signs and sends a request to path (e.g. "/events") with the given
// query parameters and JSON body, returning the raw response body.
func (c *client) do(method, path string, query url.Values, body []byte) ([]byte, error) {
	fullPath := fmt.Sprintf("/apps/%s%s", c.appID, path)

	if query == nil {
		query = url.Values{}
	}
	query.Set("auth_key", c.key)
	query.Set("auth_timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	query.Set("auth_version", "1.0")
	if len(body) > 0 {
		sum := md5.Sum(body)
		query.Set("body_md5", hex.EncodeToString(sum[:]))
	}

	query.Set("auth_signature", signRequest(c.secret, method, fullPath, query, body))

	req, err := http.NewRequest(method, c.base+fullPath+"?"+query.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, fullPath, resp.Status, string(respBody))
	}
	return respBody, nil
}

// signRequest computes hex(HMAC-SHA256(secret, METHOD\nPATH\nsorted_params)),
// matching internal/httpapi/middleware.requestSignature's algorithm
// (spec.md §6 Control API authentication).
func signRequest(secret, method, path string, query url.Values, body []byte) string {
	params := make(map[string]string, len(query))
	for k, v := range query {
		if k == "auth_signature" || len(v) == 0 {
			continue
		}
		params[k] = v[0]
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	sigBase := method + "\n" + path + "\n" + strings.Join(pairs, "&")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sigBase))
	return hex.EncodeToString(mac.Sum(nil))
}
