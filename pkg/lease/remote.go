package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/arzzra/soft_phone/pkg/signaling"
)

var (
	errLeasingDisabled = errors.New("сервис аренды не настроен")
	errMalformedLease  = errors.New("некорректный ответ сервиса аренды")
)

const freeExtensionPath = "/extensions/free"

// freeExtension ответ GET /extensions/free
type freeExtension struct {
	Extension flexString `json:"extension"`
	Password  string     `json:"password"`
	WSS       string     `json:"wss"`
}

// flexString принимает и строку, и число
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// fetchRemote запрашивает свободную линию у сервиса аренды
func (m *Manager) fetchRemote(ctx context.Context) (signaling.Identity, error) {
	if m.cfg.BaseURL == "" {
		return signaling.Identity{}, errLeasingDisabled
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	url := strings.TrimRight(m.cfg.BaseURL, "/") + freeExtensionPath
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return signaling.Identity{}, fmt.Errorf("создание запроса аренды: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return signaling.Identity{}, fmt.Errorf("запрос аренды: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return signaling.Identity{}, ErrNoCapacity
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return signaling.Identity{}, fmt.Errorf("сервис аренды ответил %d", resp.StatusCode)
	}

	var body freeExtension
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return signaling.Identity{}, fmt.Errorf("%w: %v", errMalformedLease, err)
	}
	if body.Extension == "" || body.Password == "" || body.WSS == "" {
		return signaling.Identity{}, fmt.Errorf("%w: не хватает полей", errMalformedLease)
	}

	return signaling.Identity{
		Extension:        string(body.Extension),
		Credential:       body.Password,
		TransportAddress: body.WSS,
	}, nil
}
