// Package outline talks to Outline server control APIs and manages the server pool.
package outline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnreachable wraps transport failures and 5xx answers from a control API.
var ErrUnreachable = errors.New("outline server unreachable")

// AccessKey is a key minted by a control API.
type AccessKey struct {
	ID        string `json:"id"`
	AccessURL string `json:"accessUrl"`
}

// Client calls one Outline control API. Outline servers use self-signed
// certificates, so trust comes from the pinned SHA-256 of the leaf certificate.
type Client struct {
	baseURL string
	http    *http.Client
}

// ParseFingerprint accepts hex with optional colons in any case.
func ParseFingerprint(s string) ([]byte, error) {
	clean := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	pin, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("cert sha256: %w", err)
	}
	if len(pin) != sha256.Size {
		return nil, fmt.Errorf("cert sha256: want %d bytes, got %d", sha256.Size, len(pin))
	}
	return pin, nil
}

func NewClient(apiURL, certSHA256 string, timeout time.Duration) (*Client, error) {
	pin, err := ParseFingerprint(certSHA256)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			// WebPKI verification is replaced by the pin check below.
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: verifyPin(pin),
		},
		TLSHandshakeTimeout: timeout,
	}
	return &Client{
		baseURL: strings.TrimRight(apiURL, "/"),
		http:    &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

func verifyPin(pin []byte) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("outline: no peer certificate")
		}
		sum := sha256.Sum256(rawCerts[0])
		if !bytes.Equal(sum[:], pin) {
			return fmt.Errorf("outline: certificate fingerprint %x does not match pin", sum)
		}
		return nil
	}
}

// CreateKey mints a new access key.
func (c *Client) CreateKey(ctx context.Context) (AccessKey, error) {
	resp, err := c.do(ctx, http.MethodPost, "/access-keys", map[string]any{})
	if err != nil {
		return AccessKey{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return AccessKey{}, statusError("create key", resp)
	}
	var key AccessKey
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return AccessKey{}, fmt.Errorf("decode create key response: %w", err)
	}
	if key.ID == "" || key.AccessURL == "" {
		return AccessKey{}, errors.New("create key: response lacks id or accessUrl")
	}
	return key, nil
}

func (c *Client) RenameKey(ctx context.Context, id, name string) error {
	resp, err := c.do(ctx, http.MethodPut, "/access-keys/"+id+"/name", map[string]string{"name": name})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("rename key", resp)
	}
	return nil
}

// DeleteKey revokes a key. A key the server no longer knows counts as deleted.
func (c *Client) DeleteKey(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/access-keys/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return statusError("delete key", resp)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}
