package api

import (
	"encoding/xml"
	"net/http"

	"github.com/openendpoint/openendpoints3/internal/iam"
	"github.com/openendpoint/openendpoints3/internal/metadata"
	s3types "github.com/openendpoint/openendpoints3/pkg/s3types"
)

// cannedACLDoc expands the x-amz-acl request header, if present, into an
// AccessControlPolicy XML document ready for engine.PutBucketACL/
// PutObjectACL. It returns (nil, nil) when the header is absent, leaving
// the caller free to fall back to its own default (an owner-only ACL).
func cannedACLDoc(req *http.Request, ownerID string) (*string, error) {
	canned := req.Header.Get("x-amz-acl")
	if canned == "" {
		return nil, nil
	}
	acl, err := iam.ExpandCannedACL(canned, ownerID, ownerID)
	if err != nil {
		return nil, err
	}
	doc := acl.ToXML()
	return &doc, nil
}

// s3Namespace is the xmlns value S3 stamps on every response root element.
const s3Namespace = "http://s3.amazonaws.com/doc/2006-03-01/"

func xmlUnmarshal(data []byte, v interface{}) error {
	return xml.Unmarshal(data, v)
}

func taggingFromMap(tags map[string]string) s3types.Tagging {
	out := s3types.Tagging{Xmlns: s3Namespace}
	for k, v := range tags {
		out.TagSet = append(out.TagSet, s3types.Tag{Key: k, Value: v})
	}
	return out
}

func readTagging(data []byte) (map[string]string, error) {
	var doc s3types.Tagging
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(doc.TagSet))
	for _, t := range doc.TagSet {
		out[t.Key] = t.Value
	}
	return out, nil
}

func lifecycleConfigFromRules(rules []metadata.LifecycleRule) s3types.LifecycleConfiguration {
	out := s3types.LifecycleConfiguration{Xmlns: s3Namespace}
	for _, rule := range rules {
		wire := s3types.LifecycleRule{ID: rule.ID, Prefix: rule.Prefix, Status: rule.Status}
		if rule.Expiration != nil {
			wire.Expiration = &s3types.Expiration{Days: rule.Expiration.Days}
			if rule.Expiration.Date != 0 {
				wire.Expiration.Date = formatLastModified(rule.Expiration.Date)
			}
		}
		if rule.NoncurrentVersionExpiration != nil {
			wire.NoncurrentVersionExpiration = &s3types.NoncurrentVersionExpiration{
				NoncurrentDays:          rule.NoncurrentVersionExpiration.NoncurrentDays,
				NewerNoncurrentVersions: rule.NoncurrentVersionExpiration.NewerNoncurrentVersions,
			}
		}
		out.Rules = append(out.Rules, wire)
	}
	return out
}

func rulesFromLifecycleConfig(cfg s3types.LifecycleConfiguration) []metadata.LifecycleRule {
	rules := make([]metadata.LifecycleRule, 0, len(cfg.Rules))
	for _, wire := range cfg.Rules {
		rule := metadata.LifecycleRule{ID: wire.ID, Prefix: wire.Prefix, Status: wire.Status}
		if wire.Expiration != nil {
			rule.Expiration = &metadata.Expiration{Days: wire.Expiration.Days}
		}
		if wire.NoncurrentVersionExpiration != nil {
			rule.NoncurrentVersionExpiration = &metadata.NoncurrentVersionExpiration{
				NoncurrentDays:          wire.NoncurrentVersionExpiration.NoncurrentDays,
				NewerNoncurrentVersions: wire.NoncurrentVersionExpiration.NewerNoncurrentVersions,
			}
		}
		rules = append(rules, rule)
	}
	return rules
}
