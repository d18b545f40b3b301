/*
Package ldap is the directory access layer for the DirSync engine.

# Connection Management

The Client interface wraps a connection pool with automatic failover:

  - SRV-based domain controller discovery (LDAPS preferred)
  - Connection pooling with health checks
  - Automatic retry with exponential backoff
  - Simple bind and Kerberos (GSSAPI) authentication

Search and SearchWithPaging pass request controls through untouched and
return the response controls, which is how the DirSync and show-deleted
controls reach the sync engine. A search carrying the DirSync control is
never retried on unwillingToPerform or operationsError, because AD uses those
codes to reject a stale cookie.

# Codecs

  - GUIDHandler: binary objectGUID to canonical string and back
  - SIDHandler: binary objectSid to S-1-5-... strings
  - EncodeUnicodePassword: clear text to the quoted UTF-16LE unicodePwd value

# Distinguished Names

DNKey folds a DN into a comparable key for membership sets. IsDNWithin
implements base-context scoping. LiveDNKey recovers the original DN of a
tombstone from its mangled RDN and lastKnownParent.

# Error Handling

LDAPError carries a category (connection, authentication, unsupported,
rejected, not_found, ...) and a retryable flag. The sync engine maps these
categories onto its own error taxonomy.

# Example Usage

	client, err := ldap.NewClient(ctx, &ldap.ConnectionConfig{
		Domain:   "example.com",
		Username: "svc-sync@example.com",
		Password: password,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	dse, err := client.RootDSE(ctx)
*/
package ldap
