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

package models

import "time"

// Category is the NOC section an entry is filed under.
type Category string

const (
	CategoryBackhaul      Category = "Backhaul"
	CategoryUpstreams     Category = "Upstreams"
	CategoryIPTClient     Category = "IPT Client"
	CategoryISPClient     Category = "ISP Client"
	CategoryUncategorized Category = "Uncategorized"
)

// Categories lists every category in report display order.
var Categories = []Category{
	CategoryBackhaul,
	CategoryUpstreams,
	CategoryIPTClient,
	CategoryISPClient,
	CategoryUncategorized,
}

// EntryType separates planned service work from complaints.
type EntryType string

const (
	TypeService  EntryType = "Service"
	TypeComplain EntryType = "Complain"
)

// Defaults applied when a field cannot be extracted from a message.
const (
	DefaultClientVendor = "Unknown"
	DefaultCause        = "Not specified"
	DefaultDowntime     = "N/A"
)

// ReportEntry is one line item of a report. Entries derived from a message
// carry SourceMessageID; manually added entries do not.
type ReportEntry struct {
	ID              string    `json:"id" bson:"id" validate:"required"`
	Category        Category  `json:"category" bson:"category" validate:"required,oneof=Backhaul Upstreams 'IPT Client' 'ISP Client' Uncategorized"`
	DateTime        time.Time `json:"dateTime" bson:"dateTime" validate:"required"`
	ClientVendor    string    `json:"clientVendor" bson:"clientVendor" validate:"required"`
	Cause           string    `json:"cause" bson:"cause" validate:"required"`
	Downtime        string    `json:"downtime" bson:"downtime"`
	Type            EntryType `json:"type" bson:"type" validate:"required,oneof=Service Complain"`
	Remarks         string    `json:"remarks" bson:"remarks"`
	SourceMessageID string    `json:"sourceMessageId,omitempty" bson:"sourceMessageId,omitempty" validate:"required_if=IsManuallyAdded false,excluded_if=IsManuallyAdded true"`
	IsManuallyAdded bool      `json:"isManuallyAdded" bson:"isManuallyAdded"`
	IsEdited        bool      `json:"isEdited" bson:"isEdited"`
}

// ReportStatistics is derived from a report's entries and never edited
// directly.
type ReportStatistics struct {
	TotalServices        int `json:"totalServices" bson:"totalServices"`
	TotalNewComplaints   int `json:"totalNewComplaints" bson:"totalNewComplaints"`
	RecurringComplaints  int `json:"recurringComplaints" bson:"recurringComplaints"`
	ComplaintsUnresolved int `json:"complaintsUnresolved" bson:"complaintsUnresolved"`
	ComplaintsResolved   int `json:"complaintsResolved" bson:"complaintsResolved"`
}

// Report is the per-user, per-local-day NOC report. Date is the UTC instant
// of local midnight of the report day.
type Report struct {
	ID             string           `json:"id" bson:"-"`
	UserID         string           `json:"userId" bson:"userId"`
	Date           time.Time        `json:"date" bson:"date"`
	Timezone       string           `json:"timezone" bson:"timezone"`
	Entries        []ReportEntry    `json:"entries" bson:"entries"`
	Statistics     ReportStatistics `json:"statistics" bson:"statistics"`
	Version        int64            `json:"version" bson:"version"`
	CreatedAt      time.Time        `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt" bson:"updatedAt"`
	LastModifiedBy string           `json:"lastModifiedBy" bson:"lastModifiedBy"`
}
