package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"brickline/api/internal/auth"
	"brickline/api/internal/authpw"
	"brickline/api/internal/config"
	"brickline/api/internal/dispatch"
	"brickline/api/internal/docs"
	"brickline/api/internal/metrics"
	"brickline/api/internal/notify"
	"brickline/api/internal/rbac"
	"brickline/api/internal/search"
	"brickline/api/internal/store"
	"brickline/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

var allowedPropertyStatuses = map[string]struct{}{
	store.PropertyStatusReview:       {},
	store.PropertyStatusAvailable:    {},
	store.PropertyStatusOccupied:     {},
	store.PropertyStatusMaintenance:  {},
	store.PropertyStatusNotAvailable: {},
}

// operationalStatuses are the statuses a non-Review property may cycle
// through. Review is entered only by ingestion and left only by
// admin approval.
var operationalStatuses = map[string]struct{}{
	store.PropertyStatusAvailable:    {},
	store.PropertyStatusOccupied:     {},
	store.PropertyStatusMaintenance:  {},
	store.PropertyStatusNotAvailable: {},
}

var allowedLeaseStatuses = map[string]struct{}{
	"active":     {},
	"pending":    {},
	"ended":      {},
	"terminated": {},
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	ListProperties(context.Context, store.Identity, store.PropertyFilter) ([]store.Property, error)
	GetProperty(context.Context, store.Identity, string) (store.Property, error)
	CreateProperty(context.Context, store.Identity, store.Property) error
	UpdatePropertyFields(context.Context, store.Identity, string, map[string]any) error
	UpdatePropertyStatus(context.Context, store.Identity, string, string) error
	ListReviewQueue(context.Context, store.Identity) ([]store.Property, error)
	ApproveProperty(context.Context, store.Identity, string) error
	DeleteProperty(context.Context, store.Identity, string) error
	ActiveLeaseCount(context.Context, store.Identity, string) (int, error)

	ListLeases(context.Context, store.Identity, string, int, int) ([]store.Lease, error)
	GetLease(context.Context, store.Identity, string) (store.Lease, error)
	CreateLease(context.Context, store.Identity, store.Lease) error
	UpdateLeaseFields(context.Context, store.Identity, string, map[string]any) error

	ListContacts(context.Context, store.Identity, int, int) ([]store.Contact, error)
	GetContact(context.Context, store.Identity, string) (store.Contact, error)
	CreateContact(context.Context, store.Identity, store.Contact) error
	UpdateContact(context.Context, store.Identity, store.Contact) error
	DeleteContact(context.Context, store.Identity, string) error

	ListRegistryEntries(context.Context, store.Identity, store.RegistryFilter) ([]store.RegistryEntry, error)
	CountRegistryByStatus(context.Context, store.Identity, string) (int, error)
	DeleteRegistryEntry(context.Context, store.Identity, string) error

	ListAudit(context.Context, store.Identity, store.AuditFilter) ([]store.AuditEntry, error)
	DashboardCounts(context.Context, store.Identity) (store.DashboardCounts, error)
}

// SessionStore holds refresh sessions. Redis when configured, the
// Postgres table otherwise.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type uploadService interface {
	SubmitUpload(ctx context.Context, candidate docs.Candidate, documentType string, identity store.Identity, meta docs.RequestMeta) (docs.Result, error)
	SubmitBatch(ctx context.Context, candidates []docs.Candidate, documentType string, identity store.Identity, meta docs.RequestMeta) docs.BatchSummary
}

type objectStore interface {
	SignedReadURL(ctx context.Context, path string, expiry time.Duration) (string, error)
	Download(ctx context.Context, path string) ([]byte, error)
}

// SubscribeFunc attaches a realtime listener for the token's user and
// streams notifications through deliver until ctx is cancelled. It
// returns once the subscription is established.
type SubscribeFunc func(ctx context.Context, token string, deliver func(notify.Notification)) error

type auditRecorder interface {
	Record(ctx context.Context, entry store.AuditEntry)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexProperty(p search.PropertyRecord)
	IndexContact(c search.ContactRecord)
	DeleteProperty(id string)
	DeleteContact(id string)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  SessionStore
	uploads   uploadService
	storage   objectStore
	audit     auditRecorder
	search    searchIndex
	authpw    *authpw.Service
	subscribe SubscribeFunc
}

func New(cfg config.Config, dataStore dataStore, sessions SessionStore, uploads uploadService, storage objectStore, recorder auditRecorder, searchSvc searchIndex, authService *authpw.Service, subscribe SubscribeFunc) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		uploads:   uploads,
		storage:   storage,
		audit:     recorder,
		search:    searchSvc,
		authpw:    authService,
		subscribe: subscribe,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func identityOf(session Session) store.Identity {
	return store.Identity{UserID: session.UserID, Username: session.UserName, Role: session.Role}
}

// ── Sessions ──

func (s *Service) IssueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.IssueSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ── Properties ──

func (s *Service) ListProperties(ctx context.Context, session Session, filter store.PropertyFilter) ([]store.Property, error) {
	if filter.Status != "" {
		if _, ok := operationalStatuses[filter.Status]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid status filter", nil)
		}
	}
	return s.store.ListProperties(ctx, identityOf(session), filter)
}

func (s *Service) GetProperty(ctx context.Context, session Session, propertyID string) (store.Property, error) {
	return s.store.GetProperty(ctx, identityOf(session), propertyID)
}

type CreatePropertyInput struct {
	Name         string `json:"name"`
	Address      string `json:"address"`
	City         string `json:"city"`
	PropertyType string `json:"propertyType"`
	Units        int    `json:"units"`
	Status       string `json:"status"`
}

func (s *Service) CreateProperty(ctx context.Context, session Session, input CreatePropertyInput, meta docs.RequestMeta) (store.Property, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Property{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	status := strings.TrimSpace(input.Status)
	if status == "" {
		status = store.PropertyStatusReview
	}
	if _, ok := allowedPropertyStatuses[status]; !ok {
		return store.Property{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid property status", nil)
	}
	units := input.Units
	if units <= 0 {
		units = 1
	}

	property := store.Property{
		ID:           util.NewID("prop"),
		Name:         name,
		Address:      strings.TrimSpace(input.Address),
		City:         strings.TrimSpace(input.City),
		PropertyType: strings.TrimSpace(input.PropertyType),
		Units:        units,
		Status:       status,
		CreatedBy:    session.UserID,
		UpdatedBy:    session.UserID,
	}
	if err := s.store.CreateProperty(ctx, identityOf(session), property); err != nil {
		return store.Property{}, err
	}

	s.recordAudit(ctx, session, meta, "CREATE", "properties", property.ID, "created property "+property.Name)
	s.indexProperty(property)
	return property, nil
}

// propertyFieldColumns maps patch body keys to their columns. Status is
// deliberately absent; it moves through the guarded endpoint only.
var propertyFieldColumns = map[string]string{
	"name":         "name",
	"address":      "address",
	"city":         "city",
	"propertyType": "property_type",
	"units":        "units",
}

var leaseFieldColumns = map[string]string{
	"tenantContactId": "tenant_contact_id",
	"status":          "status",
	"rentAmount":      "rent_amount",
	"startDate":       "start_date",
	"endDate":         "end_date",
}

func translateFields(fields map[string]any, columns map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		column, ok := columns[key]
		if !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "field "+key+" is not updatable", nil)
		}
		out[column] = value
	}
	return out, nil
}

func (s *Service) UpdateProperty(ctx context.Context, session Session, propertyID string, fields map[string]any, meta docs.RequestMeta) (store.Property, error) {
	if _, ok := fields["status"]; ok {
		// Status moves through the guarded endpoint, never a field patch.
		return store.Property{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status cannot be changed via field update", nil)
	}
	patch, err := translateFields(fields, propertyFieldColumns)
	if err != nil {
		return store.Property{}, err
	}
	identity := identityOf(session)
	if err := s.store.UpdatePropertyFields(ctx, identity, propertyID, patch); err != nil {
		return store.Property{}, err
	}
	property, err := s.store.GetProperty(ctx, identity, propertyID)
	if err != nil {
		return store.Property{}, err
	}

	s.recordAudit(ctx, session, meta, "UPDATE", "properties", propertyID, "updated property fields")
	s.indexProperty(property)
	return property, nil
}

// UpdatePropertyStatus cycles a non-Review property between operational
// statuses. An active lease on the property blocks the change for every
// role.
func (s *Service) UpdatePropertyStatus(ctx context.Context, session Session, propertyID, status string, meta docs.RequestMeta) (store.Property, error) {
	if _, ok := operationalStatuses[status]; !ok {
		return store.Property{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid property status", nil)
	}
	identity := identityOf(session)

	active, err := s.store.ActiveLeaseCount(ctx, identity, propertyID)
	if err != nil {
		return store.Property{}, err
	}
	if active > 0 {
		return store.Property{}, domainError(http.StatusConflict, "ACTIVE_LEASE",
			"property has an active lease; end the lease before changing status",
			map[string]any{"activeLeases": active})
	}

	if err := s.store.UpdatePropertyStatus(ctx, identity, propertyID, status); err != nil {
		return store.Property{}, err
	}
	property, err := s.store.GetProperty(ctx, identity, propertyID)
	if err != nil {
		return store.Property{}, err
	}

	s.recordAudit(ctx, session, meta, "UPDATE", "properties", propertyID, "status changed to "+status)
	s.indexProperty(property)
	return property, nil
}

// ── Review workflow ──

func (s *Service) ListReviewQueue(ctx context.Context, session Session) ([]store.Property, error) {
	if !s.Can(session.Role, rbac.ActionApprove) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only admins may view the review queue", nil)
	}
	return s.store.ListReviewQueue(ctx, identityOf(session))
}

// ApproveProperty promotes an ingested property out of Review. The role
// gate lives here so a denied caller produces no mutation and no audit
// row.
func (s *Service) ApproveProperty(ctx context.Context, session Session, propertyID string, meta docs.RequestMeta) (store.Property, error) {
	if !s.Can(session.Role, rbac.ActionApprove) {
		return store.Property{}, domainError(http.StatusForbidden, "FORBIDDEN", "only admins may approve properties", nil)
	}
	identity := identityOf(session)
	if err := s.store.ApproveProperty(ctx, identity, propertyID); err != nil {
		return store.Property{}, err
	}
	property, err := s.store.GetProperty(ctx, identity, propertyID)
	if err != nil {
		return store.Property{}, err
	}

	s.recordAudit(ctx, session, meta, "APPROVE", "properties", propertyID, "approved property "+property.Name)
	s.indexProperty(property)
	return property, nil
}

// RejectProperty removes a Review row outright.
func (s *Service) RejectProperty(ctx context.Context, session Session, propertyID string, meta docs.RequestMeta) error {
	if !s.Can(session.Role, rbac.ActionApprove) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "only admins may reject properties", nil)
	}
	identity := identityOf(session)
	property, err := s.store.GetProperty(ctx, identity, propertyID)
	if err != nil {
		return err
	}
	if property.Status != store.PropertyStatusReview {
		return domainError(http.StatusConflict, "NOT_IN_REVIEW", "property is not awaiting review", nil)
	}
	if err := s.store.DeleteProperty(ctx, identity, propertyID); err != nil {
		return err
	}

	s.recordAudit(ctx, session, meta, "DELETE", "properties", propertyID, "rejected property "+property.Name)
	if s.search != nil {
		s.search.DeleteProperty(propertyID)
	}
	return nil
}

// ── Leases ──

type CreateLeaseInput struct {
	PropertyID      string  `json:"propertyId"`
	TenantContactID string  `json:"tenantContactId"`
	Status          string  `json:"status"`
	RentAmount      float64 `json:"rentAmount"`
	StartDate       string  `json:"startDate"`
	EndDate         string  `json:"endDate"`
}

func (s *Service) ListLeases(ctx context.Context, session Session, propertyID string, limit, offset int) ([]store.Lease, error) {
	return s.store.ListLeases(ctx, identityOf(session), propertyID, limit, offset)
}

func (s *Service) GetLease(ctx context.Context, session Session, leaseID string) (store.Lease, error) {
	return s.store.GetLease(ctx, identityOf(session), leaseID)
}

func (s *Service) CreateLease(ctx context.Context, session Session, input CreateLeaseInput, meta docs.RequestMeta) (store.Lease, error) {
	if strings.TrimSpace(input.PropertyID) == "" {
		return store.Lease{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "propertyId is required", nil)
	}
	status := strings.TrimSpace(input.Status)
	if status == "" {
		status = "pending"
	}
	if _, ok := allowedLeaseStatuses[status]; !ok {
		return store.Lease{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid lease status", nil)
	}
	startDate, err := time.Parse("2006-01-02", input.StartDate)
	if err != nil {
		return store.Lease{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "startDate must be YYYY-MM-DD", nil)
	}
	endDate, err := time.Parse("2006-01-02", input.EndDate)
	if err != nil {
		return store.Lease{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "endDate must be YYYY-MM-DD", nil)
	}
	if !endDate.After(startDate) {
		return store.Lease{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "endDate must be after startDate", nil)
	}

	identity := identityOf(session)
	if _, err := s.store.GetProperty(ctx, identity, input.PropertyID); err != nil {
		return store.Lease{}, err
	}

	lease := store.Lease{
		ID:              util.NewID("lease"),
		PropertyID:      input.PropertyID,
		TenantContactID: strings.TrimSpace(input.TenantContactID),
		Status:          status,
		RentAmount:      input.RentAmount,
		StartDate:       startDate,
		EndDate:         endDate,
	}
	if err := s.store.CreateLease(ctx, identity, lease); err != nil {
		return store.Lease{}, err
	}

	s.recordAudit(ctx, session, meta, "CREATE", "leases", lease.ID, "created lease on property "+lease.PropertyID)
	return lease, nil
}

func (s *Service) UpdateLease(ctx context.Context, session Session, leaseID string, fields map[string]any, meta docs.RequestMeta) (store.Lease, error) {
	if raw, ok := fields["status"]; ok {
		status, _ := raw.(string)
		if _, allowed := allowedLeaseStatuses[status]; !allowed {
			return store.Lease{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid lease status", nil)
		}
	}
	patch, err := translateFields(fields, leaseFieldColumns)
	if err != nil {
		return store.Lease{}, err
	}
	identity := identityOf(session)
	if err := s.store.UpdateLeaseFields(ctx, identity, leaseID, patch); err != nil {
		return store.Lease{}, err
	}
	lease, err := s.store.GetLease(ctx, identity, leaseID)
	if err != nil {
		return store.Lease{}, err
	}

	s.recordAudit(ctx, session, meta, "UPDATE", "leases", leaseID, "updated lease fields")
	return lease, nil
}

// ── Contacts ──

type ContactInput struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	ContactType string `json:"contactType"`
	Notes       string `json:"notes"`
}

func (s *Service) ListContacts(ctx context.Context, session Session, limit, offset int) ([]store.Contact, error) {
	return s.store.ListContacts(ctx, identityOf(session), limit, offset)
}

func (s *Service) GetContact(ctx context.Context, session Session, contactID string) (store.Contact, error) {
	return s.store.GetContact(ctx, identityOf(session), contactID)
}

func (s *Service) CreateContact(ctx context.Context, session Session, input ContactInput, meta docs.RequestMeta) (store.Contact, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Contact{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	contactType := strings.TrimSpace(input.ContactType)
	if contactType == "" {
		contactType = "tenant"
	}
	contact := store.Contact{
		ID:          util.NewID("contact"),
		Name:        name,
		Email:       strings.TrimSpace(input.Email),
		Phone:       strings.TrimSpace(input.Phone),
		ContactType: contactType,
		Notes:       input.Notes,
	}
	if err := s.store.CreateContact(ctx, identityOf(session), contact); err != nil {
		return store.Contact{}, err
	}

	s.recordAudit(ctx, session, meta, "CREATE", "contacts", contact.ID, "created contact "+contact.Name)
	s.indexContact(contact)
	return contact, nil
}

func (s *Service) UpdateContact(ctx context.Context, session Session, contactID string, input ContactInput, meta docs.RequestMeta) (store.Contact, error) {
	identity := identityOf(session)
	existing, err := s.store.GetContact(ctx, identity, contactID)
	if err != nil {
		return store.Contact{}, err
	}
	if name := strings.TrimSpace(input.Name); name != "" {
		existing.Name = name
	}
	existing.Email = strings.TrimSpace(input.Email)
	existing.Phone = strings.TrimSpace(input.Phone)
	if contactType := strings.TrimSpace(input.ContactType); contactType != "" {
		existing.ContactType = contactType
	}
	existing.Notes = input.Notes

	if err := s.store.UpdateContact(ctx, identity, existing); err != nil {
		return store.Contact{}, err
	}

	s.recordAudit(ctx, session, meta, "UPDATE", "contacts", contactID, "updated contact "+existing.Name)
	s.indexContact(existing)
	return existing, nil
}

func (s *Service) DeleteContact(ctx context.Context, session Session, contactID string, meta docs.RequestMeta) error {
	if err := s.store.DeleteContact(ctx, identityOf(session), contactID); err != nil {
		return err
	}
	s.recordAudit(ctx, session, meta, "DELETE", "contacts", contactID, "deleted contact")
	if s.search != nil {
		s.search.DeleteContact(contactID)
	}
	return nil
}

// ── Documents ──

func (s *Service) UploadDocuments(ctx context.Context, session Session, candidates []docs.Candidate, documentType string, meta docs.RequestMeta) (docs.BatchSummary, error) {
	if len(candidates) == 0 {
		return docs.BatchSummary{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "no files provided", nil)
	}
	summary := s.uploads.SubmitBatch(ctx, candidates, documentType, identityOf(session), meta)
	for range summary.Succeeded {
		metrics.ObserveUpload("accepted")
	}
	for _, failed := range summary.Failed {
		metrics.ObserveUpload(uploadOutcome(failed.Err))
	}
	if len(candidates) == 1 && len(summary.Failed) == 1 {
		return summary, summary.Failed[0].Err
	}
	return summary, nil
}

func uploadOutcome(err error) string {
	var rejected *dispatch.RejectedError
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, docs.ErrDuplicateFailedDocument):
		return "blocked"
	case errors.As(err, &rejected):
		return "rejected"
	default:
		return "failed"
	}
}

func (s *Service) ListRegistry(ctx context.Context, session Session, filter store.RegistryFilter) ([]store.RegistryEntry, error) {
	if filter.Status != "" && filter.Status != store.ExtractionPassed && filter.Status != store.ExtractionFailed {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be PASSED or FAILED", nil)
	}
	return s.store.ListRegistryEntries(ctx, identityOf(session), filter)
}

func (s *Service) RegistryCounts(ctx context.Context, session Session) (map[string]int, error) {
	identity := identityOf(session)
	counts := make(map[string]int, 2)
	for _, status := range []string{store.ExtractionPassed, store.ExtractionFailed} {
		count, err := s.store.CountRegistryByStatus(ctx, identity, status)
		if err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, nil
}

// DeleteRegistryEntry clears a stale row, typically a FAILED one that
// blocks re-uploading its file name.
func (s *Service) DeleteRegistryEntry(ctx context.Context, session Session, entryID string, meta docs.RequestMeta) error {
	if err := s.store.DeleteRegistryEntry(ctx, identityOf(session), entryID); err != nil {
		return err
	}
	s.recordAudit(ctx, session, meta, "DELETE", "document_registry", entryID, "deleted registry entry")
	return nil
}

func (s *Service) SignedDocumentURL(ctx context.Context, session Session, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "path is required", nil)
	}
	if !strings.HasPrefix(path, "uploads/") {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "path must be under uploads/", nil)
	}
	return s.storage.SignedReadURL(ctx, path, 15*time.Minute)
}

// DownloadDocument streams a stored object through the API. Unlike the
// signed URL path this never exposes the object store to the client, so
// it is reserved for admin review of raw uploads.
func (s *Service) DownloadDocument(ctx context.Context, session Session, path string) ([]byte, error) {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only admins may download stored documents", nil)
	}
	if strings.TrimSpace(path) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "path is required", nil)
	}
	if !strings.HasPrefix(path, "uploads/") {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "path must be under uploads/", nil)
	}
	return s.storage.Download(ctx, path)
}

// ── Realtime ──

// RealtimeToken issues the scoped subscribe token for the caller. The
// token lasts one hour and is never renewed mid-session; when it
// expires the client resubscribes with a fresh one.
func (s *Service) RealtimeToken(session Session) (string, time.Time, error) {
	token, err := notify.IssueSubscribeToken([]byte(s.cfg.RealtimeSecret), session.UserID, s.cfg.RealtimeTokenTTL)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Now().Add(s.cfg.RealtimeTokenTTL), nil
}

// SubscribeRealtime verifies the subscribe token and attaches the
// caller's notification stream. deliver runs on the stream's own
// goroutine until ctx is cancelled.
func (s *Service) SubscribeRealtime(ctx context.Context, token string, deliver func(notify.Notification)) error {
	if s.subscribe == nil {
		return domainError(http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "realtime notifications are not configured", nil)
	}
	if strings.TrimSpace(token) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "token is required", nil)
	}
	return s.subscribe(ctx, token, deliver)
}

// ── Dashboard, audit, search ──

type Dashboard struct {
	PropertiesByStatus map[string]int     `json:"propertiesByStatus"`
	ActiveLeases       int                `json:"activeLeases"`
	RegistryByStatus   map[string]int     `json:"registryByStatus"`
	RecentActivity     []store.AuditEntry `json:"-"`
}

func (s *Service) Dashboard(ctx context.Context, session Session) (Dashboard, error) {
	identity := identityOf(session)
	counts, err := s.store.DashboardCounts(ctx, identity)
	if err != nil {
		return Dashboard{}, err
	}
	recent, err := s.store.ListAudit(ctx, identity, store.AuditFilter{Limit: 8})
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{
		PropertiesByStatus: counts.PropertiesByStatus,
		ActiveLeases:       counts.ActiveLeases,
		RegistryByStatus:   counts.RegistryByStatus,
		RecentActivity:     recent,
	}, nil
}

func (s *Service) AuditTrail(ctx context.Context, session Session, filter store.AuditFilter) ([]store.AuditEntry, error) {
	return s.store.ListAudit(ctx, identityOf(session), filter)
}

func (s *Service) Search(session Session, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

// ── helpers ──

func (s *Service) recordAudit(ctx context.Context, session Session, meta docs.RequestMeta, action, table, recordID, description string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, store.AuditEntry{
		UserID:      session.UserID,
		Username:    session.UserName,
		Role:        session.Role,
		ActionType:  action,
		TableName:   table,
		RecordID:    recordID,
		Description: description,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	})
}

func (s *Service) indexProperty(p store.Property) {
	if s.search == nil {
		return
	}
	if p.Status == store.PropertyStatusReview {
		// Review rows never reach the search index.
		s.search.DeleteProperty(p.ID)
		return
	}
	s.search.IndexProperty(search.PropertyRecord{
		ID:           p.ID,
		Name:         p.Name,
		Address:      p.Address,
		City:         p.City,
		PropertyType: p.PropertyType,
		Status:       p.Status,
	})
}

func (s *Service) indexContact(c store.Contact) {
	if s.search == nil {
		return
	}
	s.search.IndexContact(search.ContactRecord{
		ID:          c.ID,
		Name:        c.Name,
		Email:       c.Email,
		ContactType: c.ContactType,
		Notes:       c.Notes,
	})
}
