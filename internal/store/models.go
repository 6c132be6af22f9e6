package store

import "time"

// Identity is the caller identity forwarded to the database on every
// governed query. The row-security policies, not the application,
// decide which rows it may see or change.
type Identity struct {
	UserID   string
	Username string
	Role     string
}

type User struct {
	ID                    string
	Email                 string
	DisplayName           string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Property statuses. Review rows are hidden from normal listings and
// surface only through the admin review queue.
const (
	PropertyStatusReview       = "Review"
	PropertyStatusAvailable    = "Available"
	PropertyStatusOccupied     = "Occupied"
	PropertyStatusMaintenance  = "Under Maintenance"
	PropertyStatusNotAvailable = "Not Available"
)

type Property struct {
	ID           string
	Name         string
	Address      string
	City         string
	PropertyType string
	Units        int
	Status       string
	CreatedBy    string
	UpdatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const LeaseStatusActive = "active"

type Lease struct {
	ID              string
	PropertyID      string
	TenantContactID string
	Status          string
	RentAmount      float64
	StartDate       time.Time
	EndDate         time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Contact struct {
	ID          string
	Name        string
	Email       string
	Phone       string
	ContactType string
	Notes       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Extraction outcomes written by the external pipeline.
const (
	ExtractionPassed = "PASSED"
	ExtractionFailed = "FAILED"
)

// RegistryEntry is one uploaded file's extraction outcome. Rows are
// inserted outside this service; it only lists, counts, pre-checks and
// deletes them.
type RegistryEntry struct {
	ID               string
	UserID           string
	FileName         string
	DocumentType     string
	ExtractionStatus string
	Confidence       float64
	Remarks          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AuditEntry is append-only; nothing in this codebase updates or
// deletes audit rows.
type AuditEntry struct {
	ID          int64
	UserID      string
	Username    string
	Role        string
	ActionType  string
	TableName   string
	RecordID    string
	Description string
	IPAddress   string
	UserAgent   string
	CreatedAt   time.Time
}

type PropertyFilter struct {
	Status       string
	City         string
	PropertyType string
	Limit        int
	Offset       int
}

type RegistryFilter struct {
	Status string
	UserID string
	Limit  int
	Offset int
}

type AuditFilter struct {
	ActionType string
	TableName  string
	UserID     string
	Limit      int
	Offset     int
}

// DashboardCounts backs the landing-page widgets.
type DashboardCounts struct {
	PropertiesByStatus map[string]int
	ActiveLeases       int
	RegistryByStatus   map[string]int
}
