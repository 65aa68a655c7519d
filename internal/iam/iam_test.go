package iam

import "testing"

func TestOneOrMany_UnmarshalsBareString(t *testing.T) {
	var o OneOrMany[string]
	if err := o.UnmarshalJSON([]byte(`"s3:GetObject"`)); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	if got := o.Values(); len(got) != 1 || got[0] != "s3:GetObject" {
		t.Errorf("Values() = %v, want [s3:GetObject]", got)
	}
}

func TestOneOrMany_UnmarshalsArray(t *testing.T) {
	var o OneOrMany[string]
	if err := o.UnmarshalJSON([]byte(`["s3:GetObject","s3:PutObject"]`)); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	want := []string{"s3:GetObject", "s3:PutObject"}
	got := o.Values()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Values() = %v, want %v", got, want)
	}
}

func TestPrincipal_UnmarshalsWildcard(t *testing.T) {
	var p Principal
	if err := p.UnmarshalJSON([]byte(`"*"`)); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	if !p.Wildcard {
		t.Error("expected Wildcard = true")
	}
}

func TestPrincipal_UnmarshalsAWSField(t *testing.T) {
	var p Principal
	if err := p.UnmarshalJSON([]byte(`{"AWS":"arn:aws:iam::111122223333:user/alice"}`)); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	if p.Wildcard {
		t.Error("expected Wildcard = false")
	}
	if got := p.AWS.Values(); len(got) != 1 || got[0] != "arn:aws:iam::111122223333:user/alice" {
		t.Errorf("AWS.Values() = %v", got)
	}
}

func TestParsePolicy_DefaultsVersion(t *testing.T) {
	policy, err := ParsePolicy([]byte(`{"Statement":[{"Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::bucket/*"}]}`))
	if err != nil {
		t.Fatalf("ParsePolicy() error = %v", err)
	}
	if policy.Version != "2012-10-17" {
		t.Errorf("Version = %s, want default", policy.Version)
	}
	if len(policy.Statements) != 1 {
		t.Fatalf("Statements = %d, want 1", len(policy.Statements))
	}
}

func allowStatement(principal, action, resource string) Statement {
	return Statement{
		Effect:    "Allow",
		Principal: &Principal{AWS: NewOneOrMany(principal)},
		Action:    NewOneOrMany(action),
		Resource:  NewOneOrMany(resource),
	}
}

func denyStatement(principal, action, resource string) Statement {
	return Statement{
		Effect:    "Deny",
		Principal: &Principal{AWS: NewOneOrMany(principal)},
		Action:    NewOneOrMany(action),
		Resource:  NewOneOrMany(resource),
	}
}

func TestAuthorize_OwnerBypass(t *testing.T) {
	if !Authorize("alice", "alice", nil, nil, "s3:DeleteObject", "arn:aws:s3:::bucket/key") {
		t.Error("expected owner bypass to allow")
	}
}

func TestAuthorize_PolicyAllow(t *testing.T) {
	policy := &Policy{Statements: []Statement{allowStatement("*", "s3:GetObject", "arn:aws:s3:::bucket/*")}}
	if !Authorize("bob", "alice", policy, nil, "s3:GetObject", "arn:aws:s3:::bucket/key") {
		t.Error("expected policy Allow statement to authorize")
	}
}

func TestAuthorize_ExplicitDenyWinsOverAllow(t *testing.T) {
	policy := &Policy{Statements: []Statement{
		allowStatement("*", "s3:GetObject", "arn:aws:s3:::bucket/*"),
		denyStatement("bob", "s3:GetObject", "arn:aws:s3:::bucket/*"),
	}}
	if Authorize("bob", "alice", policy, nil, "s3:GetObject", "arn:aws:s3:::bucket/key") {
		t.Error("expected explicit Deny to override the matching Allow")
	}
	// An unrelated principal is unaffected by bob's deny.
	if !Authorize("carol", "alice", policy, nil, "s3:GetObject", "arn:aws:s3:::bucket/key") {
		t.Error("expected allow for a principal not named by the Deny statement")
	}
}

func TestAuthorize_PolicyActionWildcard(t *testing.T) {
	policy := &Policy{Statements: []Statement{allowStatement("*", "s3:*", "arn:aws:s3:::bucket/*")}}
	if !Authorize("bob", "alice", policy, nil, "s3:PutObject", "arn:aws:s3:::bucket/key") {
		t.Error("expected s3:* to match s3:PutObject")
	}
}

func TestAuthorize_NoMatchFallsThroughToACL(t *testing.T) {
	policy := &Policy{Statements: []Statement{allowStatement("carol", "s3:GetObject", "arn:aws:s3:::bucket/*")}}
	acl := NewACL("alice", "alice")
	acl.AddGrant(Grantee{Type: "Group", URI: AllUsersGroup}, PermissionRead)

	if !Authorize("bob", "alice", policy, acl, "s3:GetObject", "arn:aws:s3:::bucket/key") {
		t.Error("expected ACL AllUsers READ grant to authorize when policy doesn't match")
	}
}

func TestAuthorize_ACLRequiresWriteForPut(t *testing.T) {
	acl := NewACL("alice", "alice")
	acl.AddGrant(Grantee{Type: "Group", URI: AllUsersGroup}, PermissionRead)

	if Authorize("bob", "alice", nil, acl, "s3:PutObject", "arn:aws:s3:::bucket/key") {
		t.Error("a READ-only grant should not authorize PutObject")
	}
}

func TestAuthorize_AuthenticatedUsersGroupExcludesAnonymous(t *testing.T) {
	acl := NewACL("alice", "alice")
	acl.AddGrant(Grantee{Type: "Group", URI: AuthenticatedGroup}, PermissionRead)

	if Authorize("", "alice", nil, acl, "s3:GetObject", "arn:aws:s3:::bucket/key") {
		t.Error("AuthenticatedUsers grant should not authorize an anonymous principal")
	}
	if !Authorize("bob", "alice", nil, acl, "s3:GetObject", "arn:aws:s3:::bucket/key") {
		t.Error("AuthenticatedUsers grant should authorize any signed-in non-owner principal")
	}
}

func TestAuthorize_ImplicitDeny(t *testing.T) {
	acl := NewACL("alice", "alice")
	if Authorize("bob", "alice", nil, acl, "s3:GetObject", "arn:aws:s3:::bucket/key") {
		t.Error("expected implicit deny with no matching policy or ACL grant")
	}
}

func TestAuthorize_CanonicalUserGrant(t *testing.T) {
	acl := NewACL("alice", "alice")
	acl.AddGrant(Grantee{Type: "CanonicalUser", ID: "bob"}, PermissionFullControl)

	if !Authorize("bob", "alice", nil, acl, "s3:DeleteObject", "arn:aws:s3:::bucket/key") {
		t.Error("expected FULL_CONTROL canonical-user grant to authorize delete")
	}
}

func TestACL_ToXML(t *testing.T) {
	acl := NewACL("owner-id", "owner-name")
	acl.AddGrant(Grantee{Type: "Group", URI: AllUsersGroup}, PermissionRead)

	xml := acl.ToXML()
	if xml == "" {
		t.Fatal("ToXML() returned empty string")
	}
	for _, want := range []string{"<ID>owner-id</ID>", "<Permission>READ</Permission>", AllUsersGroup} {
		if !contains(xml, want) {
			t.Errorf("ToXML() missing %q in %s", want, xml)
		}
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
