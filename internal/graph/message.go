// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nocreport/reporter/internal/models"
)

// messagesResponse represents a page of the folder messages listing.
type messagesResponse struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// graphMessage represents the relevant fields of a Graph message.
type graphMessage struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	BodyPreview string `json:"bodyPreview"`
	Body        struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
	} `json:"from"`
	ReceivedDateTime string `json:"receivedDateTime"`
	HasAttachments   bool   `json:"hasAttachments"`
}

func decodePage(body io.Reader) (*Page, error) {
	var resp messagesResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, err
	}

	page := &Page{
		Items:    make([]models.RawMessage, 0, len(resp.Value)),
		NextLink: resp.NextLink,
	}
	for _, m := range resp.Value {
		msg, err := m.toRaw()
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, msg)
	}
	return page, nil
}

// toRaw converts a Graph message into the canonical RawMessage. Timestamps
// without an explicit offset are read as UTC.
func (m graphMessage) toRaw() (models.RawMessage, error) {
	received, err := parseGraphTime(m.ReceivedDateTime)
	if err != nil {
		return models.RawMessage{}, fmt.Errorf("message %s: %w", m.ID, err)
	}

	subject := m.Subject
	if subject == "" {
		subject = "(No Subject)"
	}

	body := m.Body.Content
	if body == "" {
		body = m.BodyPreview
	}

	from := m.From.EmailAddress.Name
	if from == "" {
		from = m.From.EmailAddress.Address
	}
	if from == "" {
		from = "Unknown"
	}

	return models.RawMessage{
		ID:             m.ID,
		Subject:        subject,
		Body:           body,
		From:           from,
		FromEmail:      m.From.EmailAddress.Address,
		Received:       received,
		HasAttachments: m.HasAttachments,
	}, nil
}

func parseGraphTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05.9999999", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse receivedDateTime %q: %w", s, err)
	}
	return t.UTC(), nil
}
