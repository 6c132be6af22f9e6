package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProperty ResultType = "property"
	ResultContact  ResultType = "contact"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	Status  string     `json:"status,omitempty"`
	City    string     `json:"city,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PropertyRecord is the data indexed for a property. Rows in Review
// are never indexed; they surface only through the review queue.
type PropertyRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Address      string `json:"address"`
	City         string `json:"city"`
	PropertyType string `json:"propertyType"`
	Status       string `json:"status"`
}

// ContactRecord is the data indexed for a contact.
type ContactRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	ContactType string `json:"contactType"`
	Notes       string `json:"notes"`
}
