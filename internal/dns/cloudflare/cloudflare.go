// Package cloudflare implements dns.Driver against the Cloudflare v4 REST
// API directly over net/http, authenticating with a scoped API token.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/iamdavid-vaughan/deploysub/internal/logging"
)

const baseURL = "https://api.cloudflare.com/client/v4"

type Driver struct {
	apiToken string
	client   *http.Client
	log      *logging.Logger
}

func New(apiToken string, log *logging.Logger) *Driver {
	return &Driver{apiToken: apiToken, client: &http.Client{Timeout: 30 * time.Second}, log: log}
}

type dnsRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
}

type listRecordsResponse struct {
	Success bool        `json:"success"`
	Errors  []apiError  `json:"errors"`
	Result  []dnsRecord `json:"result"`
}

type writeRecordResponse struct {
	Success bool       `json:"success"`
	Errors  []apiError `json:"errors"`
	Result  dnsRecord  `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// UpsertARecord looks up an existing A record by name within the zone and
// either patches it in place or creates a new one, matching the
// ensure-semantics every other driver of this project follows.
func (d *Driver) UpsertARecord(ctx context.Context, zone, name, ipv4 string, ttl int) error {
	existing, err := d.findARecord(ctx, zone, name)
	if err != nil {
		return err
	}

	rec := dnsRecord{Type: "A", Name: name, Content: ipv4, TTL: ttl}

	if existing != nil {
		rec.ID = existing.ID
		_, err := d.do(ctx, http.MethodPut, fmt.Sprintf("/zones/%s/dns_records/%s", zone, existing.ID), rec)
		if err != nil {
			return fmt.Errorf("updating A record %s: %w", name, err)
		}
		return nil
	}

	_, err = d.do(ctx, http.MethodPost, fmt.Sprintf("/zones/%s/dns_records", zone), rec)
	if err != nil {
		return fmt.Errorf("creating A record %s: %w", name, err)
	}
	return nil
}

func (d *Driver) DeleteARecord(ctx context.Context, zone, name string) error {
	existing, err := d.findARecord(ctx, zone, name)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	_, err = d.do(ctx, http.MethodDelete, fmt.Sprintf("/zones/%s/dns_records/%s", zone, existing.ID), nil)
	if err != nil {
		return fmt.Errorf("deleting A record %s: %w", name, err)
	}
	return nil
}

func (d *Driver) findARecord(ctx context.Context, zone, name string) (*dnsRecord, error) {
	return d.findRecord(ctx, zone, "A", name)
}

// UpsertTXTRecord publishes the ACME DNS-01 challenge value for name,
// replacing any existing TXT record there so a re-issuance never leaves two
// conflicting challenge values live at once.
func (d *Driver) UpsertTXTRecord(ctx context.Context, zone, name, value string, ttl int) error {
	existing, err := d.findRecord(ctx, zone, "TXT", name)
	if err != nil {
		return err
	}

	rec := dnsRecord{Type: "TXT", Name: name, Content: value, TTL: ttl}

	if existing != nil {
		rec.ID = existing.ID
		if _, err := d.do(ctx, http.MethodPut, fmt.Sprintf("/zones/%s/dns_records/%s", zone, existing.ID), rec); err != nil {
			return fmt.Errorf("updating TXT record %s: %w", name, err)
		}
		return nil
	}

	if _, err := d.do(ctx, http.MethodPost, fmt.Sprintf("/zones/%s/dns_records", zone), rec); err != nil {
		return fmt.Errorf("creating TXT record %s: %w", name, err)
	}
	return nil
}

// DeleteTXTRecord removes the TXT record at name if its content still
// matches value, leaving any other record the caller didn't create alone.
func (d *Driver) DeleteTXTRecord(ctx context.Context, zone, name, value string) error {
	existing, err := d.findRecord(ctx, zone, "TXT", name)
	if err != nil {
		return err
	}
	if existing == nil || existing.Content != value {
		return nil
	}
	if _, err := d.do(ctx, http.MethodDelete, fmt.Sprintf("/zones/%s/dns_records/%s", zone, existing.ID), nil); err != nil {
		return fmt.Errorf("deleting TXT record %s: %w", name, err)
	}
	return nil
}

func (d *Driver) findRecord(ctx context.Context, zone, recordType, name string) (*dnsRecord, error) {
	path := fmt.Sprintf("/zones/%s/dns_records?type=%s&name=%s", zone, recordType, name)
	body, err := d.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("listing %s records for %s: %w", recordType, name, err)
	}
	var parsed listRecordsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding dns_records list: %w", err)
	}
	if len(parsed.Result) == 0 {
		return nil, nil
	}
	return &parsed.Result[0], nil
}

func (d *Driver) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("cloudflare API returned %s: %s", resp.Status, buf.String())
	}
	return buf.Bytes(), nil
}
