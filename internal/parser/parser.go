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

// Package parser extracts NOC report fields from free-text email subjects and
// bodies using fixed keyword and pattern rules. It is deterministic: the same
// input always yields the same entry.
package parser

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nocreport/reporter/internal/models"
)

// Parsed holds the fields extracted from one message.
type Parsed struct {
	Category     models.Category
	Type         models.EntryType
	ClientVendor string
	Cause        string
	Downtime     string
	Remarks      string
	DateTime     time.Time
}

const maxRemarksLen = 100

var (
	clientVendorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:client|vendor)[\s:]+([^\n,.]+)`),
		regexp.MustCompile(`(?i)(?:company|customer)[\s:]+([^\n,.]+)`),
	}

	causePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:issue|problem|cause|reason)[\s:]+([^\n.]{10,100})`),
		regexp.MustCompile(`(?i)(?:down|outage|failure)[\s:]+([^\n.]{10,100})`),
	}

	downtimePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(\d+\s*(?:hour|hr|h)s?(?:\s*\d+\s*(?:minute|min|m)s?)?)`),
		regexp.MustCompile(`(?i)(\d+\s*(?:minute|min|m)s?)`),
		regexp.MustCompile(`(?i)downtime[\s:]+([^\n,]{5,30})`),
	}
)

// categoryRules are evaluated in order; the first group with a matching
// keyword wins. "isp client" must be checked before the bare "isp".
var categoryRules = []struct {
	category models.Category
	keywords []string
}{
	{models.CategoryISPClient, []string{"isp client", "broadband"}},
	{models.CategoryIPTClient, []string{"ipt", "voip", "sip"}},
	{models.CategoryBackhaul, []string{"backhaul", "backbone", "transmission"}},
	{models.CategoryUpstreams, []string{"upstream", "isp", "provider", "transit"}},
}

var serviceKeywords = []string{"service", "maintenance", "scheduled", "upgrade"}

// Parse extracts report fields from a message. Subject and body are joined
// by a newline and lowercased before matching, so extracted client, cause
// and downtime values are lowercase. Remarks keep the message's casing.
func Parse(subject, body string, receivedAt time.Time) Parsed {
	lower := strings.ToLower(subject + "\n" + body)

	return Parsed{
		Category:     Categorize(lower),
		Type:         Classify(lower),
		ClientVendor: firstMatch(clientVendorPatterns, lower, models.DefaultClientVendor),
		Cause:        firstMatch(causePatterns, lower, models.DefaultCause),
		Downtime:     firstMatch(downtimePatterns, lower, models.DefaultDowntime),
		Remarks:      remarks(subject, body),
		DateTime:     receivedAt,
	}
}

// Categorize returns the category of the first keyword group found in text.
func Categorize(text string) models.Category {
	text = strings.ToLower(text)
	for _, rule := range categoryRules {
		if containsAny(text, rule.keywords) {
			return rule.category
		}
	}
	return models.CategoryUncategorized
}

// Classify returns Service when any service keyword is present and Complain
// otherwise.
func Classify(text string) models.EntryType {
	if containsAny(strings.ToLower(text), serviceKeywords) {
		return models.TypeService
	}
	return models.TypeComplain
}

func firstMatch(patterns []*regexp.Regexp, text, fallback string) string {
	for _, re := range patterns {
		m := re.FindStringSubmatch(text)
		if len(m) > 1 {
			if v := strings.TrimSpace(m[1]); v != "" {
				return v
			}
		}
	}
	return fallback
}

func remarks(subject, body string) string {
	if subject != "" {
		return subject
	}
	line, _, _ := strings.Cut(body, "\n")
	return truncate(line, maxRemarksLen)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
