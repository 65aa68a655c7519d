// Package iam evaluates bucket policies and ACLs to authorize S3
// requests: owner bypass, JSON policy evaluation with explicit-deny
// precedence, then ACL fallback, then implicit deny.
package iam

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
)

// Policy is a bucket policy document.
type Policy struct {
	Version    string      `json:"Version"`
	ID         string      `json:"Id,omitempty"`
	Statements []Statement `json:"Statement"`
}

// Statement is one policy statement. Principal, Action, and Resource are
// each a "one or many" JSON shape in real policy documents; Action and
// Resource are modeled with OneOrMany, Principal with its own type since
// it additionally distinguishes the bare "*" wildcard from {"AWS": ...}.
type Statement struct {
	Sid       string            `json:"Sid,omitempty"`
	Effect    string            `json:"Effect"` // "Allow" or "Deny"
	Principal *Principal        `json:"Principal,omitempty"`
	Action    OneOrMany[string] `json:"Action"`
	Resource  OneOrMany[string] `json:"Resource"`
}

// Principal is either the bare wildcard "*" or {"AWS": "one-or-many"}.
type Principal struct {
	Wildcard bool
	AWS      OneOrMany[string]
}

func (p *Principal) UnmarshalJSON(data []byte) error {
	var wildcard string
	if err := json.Unmarshal(data, &wildcard); err == nil {
		p.Wildcard = wildcard == "*"
		return nil
	}
	var named struct {
		AWS OneOrMany[string] `json:"AWS"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return fmt.Errorf("iam: malformed Principal: %w", err)
	}
	p.AWS = named.AWS
	return nil
}

func (p Principal) MarshalJSON() ([]byte, error) {
	if p.Wildcard {
		return json.Marshal("*")
	}
	return json.Marshal(struct {
		AWS OneOrMany[string] `json:"AWS"`
	}{AWS: p.AWS})
}

// ParsePolicy parses a bucket policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("iam: parse policy: %w", err)
	}
	if policy.Version == "" {
		policy.Version = "2012-10-17"
	}
	return &policy, nil
}

func (p *Policy) ToJSON() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

func matchesPrincipal(p *Principal, principal string) bool {
	if p == nil {
		return false
	}
	if p.Wildcard {
		return true
	}
	for _, v := range p.AWS.Values() {
		if v == "*" || v == principal {
			return true
		}
	}
	return false
}

func matchesPattern(patterns []string, value string) bool {
	for _, pat := range patterns {
		if pat == "*" || pat == value {
			return true
		}
		if strings.HasSuffix(pat, "*") {
			prefix := strings.TrimSuffix(pat, "*")
			if strings.HasPrefix(value, prefix) {
				return true
			}
		}
	}
	return false
}

func statementMatches(stmt *Statement, principal, action, resource string) bool {
	if !matchesPrincipal(stmt.Principal, principal) {
		return false
	}
	if !matchesPattern(stmt.Action.Values(), action) {
		return false
	}
	if !matchesPattern(stmt.Resource.Values(), resource) {
		return false
	}
	return true
}

// Authorize applies the full decision rule: owner bypass, policy
// evaluation with explicit-deny precedence, ACL fallback, implicit deny.
// principal is "" for an anonymous caller.
func Authorize(principal, bucketOwner string, policy *Policy, acl *ACL, action, resource string) bool {
	if principal != "" && principal == bucketOwner {
		return true
	}

	if policy != nil {
		var anyAllow bool
		for i := range policy.Statements {
			stmt := &policy.Statements[i]
			if !statementMatches(stmt, principal, action, resource) {
				continue
			}
			if stmt.Effect == "Deny" {
				return false
			}
			if stmt.Effect == "Allow" {
				anyAllow = true
			}
		}
		if anyAllow {
			return true
		}
	}

	if acl != nil && aclGrants(acl, principal, action) {
		return true
	}

	return false
}

// aclGrants reports whether acl grants principal the permission required
// for action, per the AllUsers/AuthenticatedUsers group membership rule.
func aclGrants(acl *ACL, principal, action string) bool {
	required := requiredPermission(action)
	for _, grant := range acl.Grants {
		if grant.Permission != required && grant.Permission != PermissionFullControl {
			continue
		}
		switch grant.Grantee.Type {
		case "Group":
			if grant.Grantee.URI == AllUsersGroup {
				return true
			}
			if grant.Grantee.URI == AuthenticatedGroup && principal != "" {
				return true
			}
		case "CanonicalUser":
			if grant.Grantee.ID == principal {
				return true
			}
		}
	}
	return false
}

// requiredPermission classifies an S3 action into the ACL permission
// that authorizes it.
func requiredPermission(action string) string {
	switch {
	case strings.HasSuffix(action, "Acl") && strings.Contains(action, "Get"):
		return PermissionReadACP
	case strings.HasSuffix(action, "Acl") && strings.Contains(action, "Put"):
		return PermissionWriteACP
	case strings.Contains(action, "Put") || strings.Contains(action, "Delete"):
		return PermissionWrite
	default:
		return PermissionRead
	}
}

// BucketPermission is a single bucket-level grant in the legacy
// canned-ACL sense, retained for the ?acl XML rendering surface.
type BucketPermission struct {
	Bucket     string
	Prefix     string
	Grantee    string
	Permission string
}

// ACL is an S3 access control list.
type ACL struct {
	Owner  Owner
	Grants []Grant
}

// Owner identifies a bucket or object owner.
type Owner struct {
	ID          string
	DisplayName string
}

// Grant grants one permission to one grantee.
type Grant struct {
	Grantee    Grantee
	Permission string
}

// Grantee identifies who receives a Grant.
type Grantee struct {
	Type         string // "Group" or "CanonicalUser"
	URI          string
	ID           string
	DisplayName  string
	EmailAddress string
}

// Permission values an ACL grant may carry.
const (
	PermissionRead        = "READ"
	PermissionWrite       = "WRITE"
	PermissionReadACP     = "READ_ACP"
	PermissionWriteACP    = "WRITE_ACP"
	PermissionFullControl = "FULL_CONTROL"
)

// Well-known ACL group URIs.
var (
	AllUsersGroup      = "http://acs.amazonaws.com/groups/global/AllUsers"
	AuthenticatedGroup = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
	LogDeliveryGroup   = "http://acs.amazonaws.com/groups/global/LogDelivery"
)

// NewACL creates an ACL with no grants beyond implicit owner access.
func NewACL(ownerID, ownerName string) *ACL {
	return &ACL{Owner: Owner{ID: ownerID, DisplayName: ownerName}}
}

// Canned ACL names accepted by the x-amz-acl header.
const (
	CannedPrivate           = "private"
	CannedPublicRead        = "public-read"
	CannedPublicReadWrite   = "public-read-write"
	CannedAuthenticatedRead = "authenticated-read"
)

// ExpandCannedACL builds the grant list a canned ACL name expands to for
// a bucket/object owned by ownerID/ownerName, per the well-known S3
// canned-ACL definitions. An unrecognized name is an error; "private"
// (the default) grants nothing beyond the owner's implicit FULL_CONTROL.
func ExpandCannedACL(canned, ownerID, ownerName string) (*ACL, error) {
	acl := NewACL(ownerID, ownerName)
	acl.AddGrant(Grantee{Type: "CanonicalUser", ID: ownerID, DisplayName: ownerName}, PermissionFullControl)

	switch canned {
	case "", CannedPrivate:
	case CannedPublicRead:
		acl.AddGrant(Grantee{Type: "Group", URI: AllUsersGroup}, PermissionRead)
	case CannedPublicReadWrite:
		acl.AddGrant(Grantee{Type: "Group", URI: AllUsersGroup}, PermissionRead)
		acl.AddGrant(Grantee{Type: "Group", URI: AllUsersGroup}, PermissionWrite)
	case CannedAuthenticatedRead:
		acl.AddGrant(Grantee{Type: "Group", URI: AuthenticatedGroup}, PermissionRead)
	default:
		return nil, fmt.Errorf("iam: unrecognized canned ACL %q", canned)
	}
	return acl, nil
}

// AddGrant appends a grant to the ACL.
func (a *ACL) AddGrant(grantee Grantee, permission string) {
	a.Grants = append(a.Grants, Grant{Grantee: grantee, Permission: permission})
}

// xmlACL/xmlGrant/xmlGrantee mirror the wire shape ToXML produces, used
// only by ParseACL to read it back.
type xmlACL struct {
	XMLName xml.Name     `xml:"AccessControlPolicy"`
	Owner   xmlOwner     `xml:"Owner"`
	Grants  []xmlGrant   `xml:"AccessControlList>Grant"`
}

type xmlOwner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

type xmlGrant struct {
	Grantee    xmlGrantee `xml:"Grantee"`
	Permission string     `xml:"Permission"`
}

type xmlGrantee struct {
	Type         string `xml:"http://www.w3.org/2001/XMLSchema-instance type,attr"`
	ID           string `xml:"ID"`
	DisplayName  string `xml:"DisplayName"`
	URI          string `xml:"URI"`
	EmailAddress string `xml:"EmailAddress"`
}

// ParseACL parses an AccessControlPolicy document as produced by ToXML.
func ParseACL(data []byte) (*ACL, error) {
	var doc xmlACL
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("iam: parse ACL: %w", err)
	}
	acl := &ACL{Owner: Owner{ID: doc.Owner.ID, DisplayName: doc.Owner.DisplayName}}
	for _, g := range doc.Grants {
		acl.AddGrant(Grantee{
			Type:         g.Grantee.Type,
			URI:          g.Grantee.URI,
			ID:           g.Grantee.ID,
			DisplayName:  g.Grantee.DisplayName,
			EmailAddress: g.Grantee.EmailAddress,
		}, g.Permission)
	}
	return acl, nil
}

// ToXML renders the ACL as an AccessControlPolicy document.
func (a *ACL) ToXML() string {
	var b strings.Builder
	b.WriteString(`<AccessControlPolicy xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&b, `<Owner><ID>%s</ID><DisplayName>%s</DisplayName></Owner>`, a.Owner.ID, a.Owner.DisplayName)
	b.WriteString(`<AccessControlList>`)
	for _, grant := range a.Grants {
		b.WriteString(`<Grant>`)
		fmt.Fprintf(&b, `<Grantee xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:type="%s">`, grant.Grantee.Type)
		if grant.Grantee.ID != "" {
			fmt.Fprintf(&b, `<ID>%s</ID>`, grant.Grantee.ID)
		}
		if grant.Grantee.DisplayName != "" {
			fmt.Fprintf(&b, `<DisplayName>%s</DisplayName>`, grant.Grantee.DisplayName)
		}
		if grant.Grantee.URI != "" {
			fmt.Fprintf(&b, `<URI>%s</URI>`, grant.Grantee.URI)
		}
		b.WriteString(`</Grantee>`)
		fmt.Fprintf(&b, `<Permission>%s</Permission>`, grant.Permission)
		b.WriteString(`</Grant>`)
	}
	b.WriteString(`</AccessControlList></AccessControlPolicy>`)
	return b.String()
}
