package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// KuboStore pins content on an IPFS node through the Kubo HTTP RPC API.
type KuboStore struct {
	apiURL     string
	gatewayURL string
	httpClient *http.Client
}

type kuboAddResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// NewKuboStore builds a store against apiURL. A nil client gets a default with a 60s timeout.
func NewKuboStore(apiURL, gatewayURL string, client *http.Client) *KuboStore {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &KuboStore{
		apiURL:     strings.TrimRight(apiURL, "/"),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		httpClient: client,
	}
}

func (k *KuboStore) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="blob"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.apiURL+"/api/v0/add?pin=true&cid-version=1", body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ipfs add: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out kuboAddResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ipfs add response: %w", err)
	}
	if out.Hash == "" {
		return "", errors.New("ipfs add: empty hash in response")
	}
	return out.Hash, nil
}

func (k *KuboStore) URI(cid string) string { return "ipfs://" + cid }

func (k *KuboStore) URL(cid string) string { return k.gatewayURL + "/ipfs/" + cid }
