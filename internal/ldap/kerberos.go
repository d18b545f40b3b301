package ldap

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// performKerberosAuth binds the connection with GSSAPI.
func performKerberosAuth(conn *ldap.Conn, cfg *ConnectionConfig, serverInfo *ServerInfo) error {
	principal, realm, err := kerberosPrincipal(cfg)
	if err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	gssapiClient, err := createGSSAPIClient(cfg, principal, realm)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// createGSSAPIClient builds a GSSAPI client from the first usable credential
// source, in order: credential cache, keytab, password.
func createGSSAPIClient(cfg *ConnectionConfig, principal, realm string) (*gssapi.Client, error) {
	krb5conf := cfg.KerberosConfig
	if krb5conf == "" {
		krb5conf = defaultKrb5Conf
	}

	if !fileExists(krb5conf) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", krb5conf)
	}

	// AD rejects FAST padata from gokrb5
	noFAST := krb5client.DisablePAFXFAST(true)

	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		return gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5conf, noFAST)
	}

	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		return gssapi.NewClientWithKeytab(principal, realm, cfg.KerberosKeytab, krb5conf, noFAST)
	}

	if cfg.Password != "" {
		return gssapi.NewClientWithPassword(principal, realm, cfg.Password, krb5conf, noFAST)
	}

	if ccache := defaultCCachePath(); fileExists(ccache) {
		return gssapi.NewClientFromCCache(ccache, krb5conf, noFAST)
	}

	return nil, errors.New("no suitable credentials found for Kerberos authentication")
}

// kerberosPrincipal splits user@REALM when no realm is configured.
func kerberosPrincipal(cfg *ConnectionConfig) (string, string, error) {
	if cfg == nil {
		return "", "", errors.New("configuration cannot be nil")
	}

	principal, realm := cfg.Username, cfg.KerberosRealm
	if user, userRealm, ok := strings.Cut(principal, "@"); ok {
		principal = user
		if realm == "" {
			realm = userRealm
		}
	}

	if realm == "" {
		return "", "", errors.New("kerberos realm is required (set kerberos_realm or include realm in username)")
	}

	if principal == "" && cfg.KerberosCCache == "" {
		return "", "", errors.New("username (principal) is required for Kerberos authentication")
	}

	return principal, strings.ToUpper(realm), nil
}

// buildServicePrincipal returns cfg.KerberosSPN or ldap/<host>.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", errors.New("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil || serverInfo.Host == "" {
		return "", errors.New("hostname is required for service principal")
	}

	host, _, found := strings.Cut(serverInfo.Host, ":")
	if !found {
		host = serverInfo.Host
	}

	return "ldap/" + host, nil
}

func defaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
