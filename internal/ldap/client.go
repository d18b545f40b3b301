package ldap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

const (
	// maxPagesPerSearch bounds a single paged search.
	maxPagesPerSearch = 10000

	// dirSyncControlOID is sent on incremental-change searches.
	dirSyncControlOID = "1.2.840.113556.1.4.841"
)

// client implements the Client interface.
type client struct {
	pool   ConnectionPool
	config *ConnectionConfig
}

// NewClient creates a new LDAP client with connection pooling.
func NewClient(ctx context.Context, config *ConnectionConfig) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	tflog.SubsystemDebug(ctx, Subsystem, "Creating new LDAP client", map[string]any{
		"domain":          config.Domain,
		"ldap_urls_count": len(config.LDAPURLs),
		"auth_method":     config.GetAuthMethod().String(),
		"use_tls":         config.UseTLS,
		"max_connections": config.MaxConnections,
	})

	start := time.Now()
	pool, err := NewConnectionPool(ctx, config)
	if err != nil {
		tflog.SubsystemError(ctx, Subsystem, "Failed to create connection pool", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return newClientWithPool(pool, config), nil
}

func newClientWithPool(pool ConnectionPool, config *ConnectionConfig) *client {
	return &client{
		pool:   pool,
		config: config,
	}
}

func newDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{Timeout: timeout}
}

// Connect verifies that a connection can be acquired and used.
func (c *client) Connect(ctx context.Context) error {
	return LogOperation(ctx, Subsystem, "connection_test", map[string]any{
		"domain": c.config.Domain,
	}, func() error {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		defer conn.Close()

		return c.ping(conn)
	})
}

// Close closes the client and all its connections.
func (c *client) Close() error {
	return c.pool.Close()
}

// Search performs a single LDAP search and returns the response controls.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, errors.New("search request cannot be nil")
	}

	fields := searchFields(req)
	start := time.Now()
	tflog.SubsystemDebug(ctx, Subsystem, "Starting search operation", fields)

	conn, err := c.pool.Get(ctx)
	if err != nil {
		LogLDAPError(ctx, Subsystem, "get_connection", err, fields)
		return nil, WrapError("search", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	ldapReq := toLDAPSearchRequest(req, req.SizeLimit, req.Controls)

	var result *ldap.SearchResult
	err = c.withRetry(ctx, retryPolicy(req), func() error {
		var searchErr error
		result, searchErr = conn.Conn().Search(ldapReq)
		return searchErr
	})

	fields["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		LogLDAPError(ctx, Subsystem, "search", err, fields)
		return nil, WrapError("search", err)
	}

	fields["entries_found"] = len(result.Entries)
	tflog.SubsystemDebug(ctx, Subsystem, "Search operation completed", fields)

	return &SearchResult{
		Entries:  result.Entries,
		Controls: result.Controls,
		Total:    len(result.Entries),
		HasMore:  req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit,
	}, nil
}

// SearchWithPaging performs an LDAP search with automatic pagination.
// Request controls are sent on every page alongside the paging control.
func (c *client) SearchWithPaging(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, errors.New("search request cannot be nil")
	}

	start := time.Now()
	fields := searchFields(req)
	tflog.SubsystemDebug(ctx, Subsystem, "Starting paged search", fields)

	conn, err := c.pool.Get(ctx)
	if err != nil {
		LogLDAPError(ctx, Subsystem, "get_connection", err, fields)
		return nil, WrapError("paged_search", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	pageSize := c.config.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	pagingControl := ldap.NewControlPaging(pageSize)
	controls := append([]ldap.Control{pagingControl}, req.Controls...)

	var allEntries []*ldap.Entry
	var lastControls []ldap.Control

	for pageNum := 1; ; pageNum++ {
		if err := ctx.Err(); err != nil {
			tflog.SubsystemWarn(ctx, Subsystem, "Paged search cancelled by context", map[string]any{
				"base_dn":         req.BaseDN,
				"pages_completed": pageNum - 1,
				"entries_found":   len(allEntries),
			})
			return nil, err
		}

		if pageNum > maxPagesPerSearch {
			return nil, WrapError("paged_search", fmt.Errorf("paged search exceeded %d pages", maxPagesPerSearch))
		}

		ldapReq := toLDAPSearchRequest(req, 0, controls)

		var result *ldap.SearchResult
		err = c.withRetry(ctx, retryPolicy(req), func() error {
			var searchErr error
			result, searchErr = conn.Conn().Search(ldapReq)
			return searchErr
		})
		if err != nil {
			fields["page_number"] = pageNum
			LogLDAPError(ctx, Subsystem, "paged_search", err, fields)
			return nil, WrapError("paged_search", err)
		}

		allEntries = append(allEntries, result.Entries...)
		lastControls = result.Controls

		tflog.SubsystemTrace(ctx, Subsystem, "Completed search page", map[string]any{
			"page_number":     pageNum,
			"entries_in_page": len(result.Entries),
			"total_entries":   len(allEntries),
		})

		responseControl, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(responseControl.Cookie) == 0 {
			break
		}
		pagingControl.SetCookie(responseControl.Cookie)
	}

	tflog.SubsystemDebug(ctx, Subsystem, "Paged search completed", map[string]any{
		"base_dn":       req.BaseDN,
		"filter":        req.Filter,
		"total_entries": len(allEntries),
		"duration_ms":   time.Since(start).Milliseconds(),
	})

	return &SearchResult{
		Entries:  allEntries,
		Controls: lastControls,
		Total:    len(allEntries),
	}, nil
}

// RootDSE reads the root DSE of the connected server.
func (c *client) RootDSE(ctx context.Context) (*RootDSE, error) {
	result, err := c.Search(ctx, &SearchRequest{
		BaseDN:     "",
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: rootDSEAttributes,
		SizeLimit:  1,
		TimeLimit:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read root DSE: %w", err)
	}

	if len(result.Entries) == 0 {
		return nil, errors.New("no root DSE found")
	}

	return rootDSEFromEntry(result.Entries[0]), nil
}

var rootDSEAttributes = []string{
	"defaultNamingContext",
	"dnsHostName",
	"supportedControl",
	"highestCommittedUSN",
}

func rootDSEFromEntry(entry *ldap.Entry) *RootDSE {
	return &RootDSE{
		DefaultNamingContext: entry.GetAttributeValue("defaultNamingContext"),
		DNSHostName:          entry.GetAttributeValue("dnsHostName"),
		SupportedControls:    entry.GetAttributeValues("supportedControl"),
		HighestCommittedUSN:  entry.GetAttributeValue("highestCommittedUSN"),
	}
}

// Modify modifies an existing LDAP entry.
func (c *client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return errors.New("modify request cannot be nil")
	}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		return WrapError("modify", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	ldapReq := ldap.NewModifyRequest(req.DN, nil)
	for attr, values := range req.AddAttributes {
		ldapReq.Add(attr, values)
	}
	for attr, values := range req.ReplaceAttributes {
		ldapReq.Replace(attr, values)
	}
	for _, attr := range req.DeleteAttributes {
		ldapReq.Delete(attr, []string{})
	}

	err = c.withRetry(ctx, IsRetryableError, func() error {
		return conn.Conn().Modify(ldapReq)
	})
	if err != nil {
		ldapErr := NewLDAPError("modify", err)
		ldapErr.DN = req.DN
		return ldapErr
	}
	return nil
}

// Ping tests connectivity to the LDAP server.
func (c *client) Ping(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return c.ping(conn)
}

func (c *client) ping(conn *PooledConnection) error {
	_, err := conn.Conn().Search(rootDSERequest([]string{"defaultNamingContext"}))
	return err
}

// Stats returns pool statistics.
func (c *client) Stats() PoolStats {
	return c.pool.Stats()
}

// withRetry executes an operation with exponential backoff while retryable
// reports the error as transient.
func (c *client) withRetry(ctx context.Context, retryable func(error) bool, operation func() error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(ctx, Subsystem, "Retrying operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  c.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				tflog.SubsystemInfo(ctx, Subsystem, "Operation succeeded after retries", map[string]any{
					"total_attempts": attempt + 1,
				})
			}
			return nil
		}

		lastErr = err

		if !retryable(err) {
			return err
		}

		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			tflog.SubsystemWarn(ctx, Subsystem, "Operation cancelled during retry", map[string]any{
				"context_error": ctx.Err().Error(),
				"attempt":       attempt + 1,
			})
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}
	}

	tflog.SubsystemError(ctx, Subsystem, "Operation failed after all retries exhausted", map[string]any{
		"total_attempts": c.config.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return lastErr
}

// retryPolicy picks the retry predicate for a search. A DirSync search must
// surface a rejected cookie at once instead of replaying it.
func retryPolicy(req *SearchRequest) func(error) bool {
	if ldap.FindControl(req.Controls, dirSyncControlOID) != nil {
		return func(err error) bool {
			return IsRetryableError(NewLDAPError("search", err))
		}
	}
	return isRetryableSearchError
}

// isRetryableSearchError also retries the transient refusals AD returns
// while a domain controller is starting or overloaded.
func isRetryableSearchError(err error) bool {
	if IsRetryableError(NewLDAPError("search", err)) {
		return true
	}
	code, ok := ResultCode(err)
	return ok && (code == ldap.LDAPResultUnwillingToPerform || code == ldap.LDAPResultOperationsError)
}

func toLDAPSearchRequest(req *SearchRequest, sizeLimit int, controls []ldap.Control) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		int(req.DerefAliases),
		sizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		controls,
	)
}

func rootDSERequest(attributes []string) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 5, false,
		"(objectClass=*)",
		attributes,
		nil,
	)
}

func searchFields(req *SearchRequest) map[string]any {
	controls := make([]string, 0, len(req.Controls))
	for _, ctrl := range req.Controls {
		controls = append(controls, ctrl.GetControlType())
	}

	return map[string]any{
		"base_dn":    req.BaseDN,
		"scope":      req.Scope.String(),
		"filter":     req.Filter,
		"attributes": req.Attributes,
		"controls":   controls,
		"size_limit": req.SizeLimit,
	}
}
