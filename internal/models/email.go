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

// Package models defines the data structures shared across the report service.
package models

import "time"

// RawMessage is a single mail item as returned by the mail source.
// Received is always held in UTC.
type RawMessage struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	From           string    `json:"from"`
	FromEmail      string    `json:"fromEmail"`
	Received       time.Time `json:"receivedDateTime"`
	HasAttachments bool      `json:"hasAttachments"`
}

// CachedMessage is a RawMessage owned by a user, as persisted in the email
// cache. (UserID, MessageID) is unique.
type CachedMessage struct {
	UserID         string    `bson:"userId"`
	MessageID      string    `bson:"messageId"`
	Subject        string    `bson:"subject"`
	Body           string    `bson:"body"`
	From           string    `bson:"from"`
	FromEmail      string    `bson:"fromEmail"`
	Received       time.Time `bson:"receivedAt"`
	HasAttachments bool      `bson:"hasAttachments"`
	CachedAt       time.Time `bson:"cachedAt"`
}

// NewCachedMessage tags msg with its owner and the insertion time.
func NewCachedMessage(userID string, msg RawMessage, now time.Time) *CachedMessage {
	return &CachedMessage{
		UserID:         userID,
		MessageID:      msg.ID,
		Subject:        msg.Subject,
		Body:           msg.Body,
		From:           msg.From,
		FromEmail:      msg.FromEmail,
		Received:       msg.Received.UTC(),
		HasAttachments: msg.HasAttachments,
		CachedAt:       now.UTC(),
	}
}

// Raw converts the cached record back to the message shape the fetcher returns.
func (c *CachedMessage) Raw() RawMessage {
	return RawMessage{
		ID:             c.MessageID,
		Subject:        c.Subject,
		Body:           c.Body,
		From:           c.From,
		FromEmail:      c.FromEmail,
		Received:       c.Received.UTC(),
		HasAttachments: c.HasAttachments,
	}
}
