package metadata

import "testing"

func TestBucketMetadata(t *testing.T) {
	meta := &BucketMetadata{Name: "test-bucket", Owner: "owner-1"}
	if meta.Name != "test-bucket" {
		t.Errorf("Name = %s, want test-bucket", meta.Name)
	}
}

func TestObjectMetadataDefaults(t *testing.T) {
	meta := &ObjectMetadata{
		Key:         "test-key",
		Size:        1024,
		ContentType: "application/json",
		ETag:        "abc123",
	}

	if meta.Key != "test-key" {
		t.Errorf("Key = %s, want test-key", meta.Key)
	}
	if meta.Size != 1024 {
		t.Errorf("Size = %d, want 1024", meta.Size)
	}
	if meta.IsLatest {
		t.Error("IsLatest should default to false")
	}
}

func TestLifecycleRule(t *testing.T) {
	rule := &LifecycleRule{
		ID:         "rule-1",
		Status:     "Enabled",
		Expiration: &Expiration{Days: 30},
	}

	if rule.ID != "rule-1" {
		t.Errorf("ID = %s, want rule-1", rule.ID)
	}
	if rule.Expiration.Days != 30 {
		t.Errorf("Expiration.Days = %d, want 30", rule.Expiration.Days)
	}
}

func TestNoncurrentVersionExpirationDefaults(t *testing.T) {
	rule := &NoncurrentVersionExpiration{NoncurrentDays: 7}
	if rule.NewerNoncurrentVersions != 0 {
		t.Errorf("NewerNoncurrentVersions should default to 0, got %d", rule.NewerNoncurrentVersions)
	}
}

func TestBucketVersioning(t *testing.T) {
	v := &BucketVersioning{Status: "Enabled"}
	if v.Status != "Enabled" {
		t.Errorf("Status = %s, want Enabled", v.Status)
	}
}

func TestPartMetadata(t *testing.T) {
	part := &PartMetadata{PartNumber: 1, Size: 1024, ETag: "part-etag"}
	if part.PartNumber != 1 {
		t.Errorf("PartNumber = %d, want 1", part.PartNumber)
	}
}

func TestMultipartUploadMetadata(t *testing.T) {
	upload := &MultipartUploadMetadata{UploadID: "upload-123", Key: "test-key"}
	if upload.UploadID != "upload-123" {
		t.Errorf("UploadID = %s, want upload-123", upload.UploadID)
	}
}
