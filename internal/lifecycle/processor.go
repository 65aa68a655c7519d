// Package lifecycle periodically sweeps every bucket's lifecycle rules,
// expiring current versions past their age and trimming noncurrent
// version history.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openendpoint/openendpoints3/internal/engine"
	"github.com/openendpoint/openendpoints3/internal/metadata"
)

// Processor runs the periodic lifecycle sweep against the storage engine.
type Processor struct {
	engine   *engine.Engine
	interval time.Duration
	log      *zap.SugaredLogger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewProcessor builds a Processor that sweeps every interval.
func NewProcessor(eng *engine.Engine, interval time.Duration, log *zap.SugaredLogger) *Processor {
	return &Processor{
		engine:   eng,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop in a background goroutine, firing once
// immediately and then every interval until Stop is called.
func (p *Processor) Start() {
	p.wg.Add(1)
	go p.run()
	p.log.Infow("lifecycle processor started", "interval", p.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (p *Processor) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.log.Infow("lifecycle processor stopped")
}

func (p *Processor) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sweep()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Processor) sweep() {
	ctx := context.Background()
	buckets, err := p.engine.ListBuckets(ctx)
	if err != nil {
		p.log.Errorw("lifecycle sweep: failed to list buckets", "error", err)
		return
	}
	for _, b := range buckets {
		p.sweepBucket(ctx, b.Name)
	}
}

func (p *Processor) sweepBucket(ctx context.Context, bucket string) {
	rules, err := p.engine.GetBucketLifecycle(ctx, bucket)
	if err != nil {
		if !isNoSuchBucket(err) {
			p.log.Errorw("lifecycle sweep: failed to load rules", "bucket", bucket, "error", err)
		}
		return
	}
	for _, rule := range rules {
		if rule.Status != "Enabled" {
			continue
		}
		if rule.Expiration != nil && rule.Expiration.Days > 0 {
			p.expireCurrentVersions(ctx, bucket, rule)
		}
		if rule.NoncurrentVersionExpiration != nil && rule.NoncurrentVersionExpiration.NoncurrentDays > 0 {
			p.expireNoncurrentVersions(ctx, bucket, rule)
		}
	}
}

// expireCurrentVersions deletes every current object under rule.Prefix
// whose LastModified is older than rule.Expiration.Days. Deletion goes
// through Engine.DeleteObject so a versioning-enabled bucket gets a
// delete marker rather than losing history, exactly as a direct
// unversioned DELETE would.
func (p *Processor) expireCurrentVersions(ctx context.Context, bucket string, rule metadata.LifecycleRule) {
	cutoff := time.Now().AddDate(0, 0, -rule.Expiration.Days).Unix()

	marker := ""
	for {
		out, err := p.engine.ListObjects(ctx, engine.ListObjectsInput{
			Bucket: bucket, Prefix: rule.Prefix, Marker: marker, MaxKeys: 1000,
		})
		if err != nil {
			p.log.Errorw("lifecycle sweep: failed to list objects", "bucket", bucket, "error", err)
			return
		}
		for _, obj := range out.Objects {
			if obj.LastModified > cutoff {
				continue
			}
			if _, err := p.engine.DeleteObject(ctx, engine.DeleteObjectInput{Bucket: bucket, Key: obj.Key}); err != nil {
				p.log.Warnw("lifecycle sweep: failed to expire object", "bucket", bucket, "key", obj.Key, "error", err)
				continue
			}
			p.log.Infow("lifecycle: expired current version", "bucket", bucket, "key", obj.Key, "rule", rule.ID)
		}
		if !out.IsTruncated {
			return
		}
		marker = out.NextMarker
	}
}

// expireNoncurrentVersions hard-deletes noncurrent (non-latest,
// non-delete-marker) versions that became noncurrent more than
// NoncurrentDays ago, always retaining the NewerNoncurrentVersions most
// recently superseded versions of each key regardless of age.
func (p *Processor) expireNoncurrentVersions(ctx context.Context, bucket string, rule metadata.LifecycleRule) {
	cutoff := time.Now().AddDate(0, 0, -rule.NoncurrentVersionExpiration.NoncurrentDays).Unix()
	keep := rule.NoncurrentVersionExpiration.NewerNoncurrentVersions

	byKey := make(map[string][]metadata.ObjectMetadata)
	keyMarker, versionMarker := "", ""
	for {
		out, err := p.engine.ListObjectVersions(ctx, engine.ListObjectVersionsInput{
			Bucket: bucket, Prefix: rule.Prefix, KeyMarker: keyMarker, VersionIDMarker: versionMarker, MaxKeys: 1000,
		})
		if err != nil {
			p.log.Errorw("lifecycle sweep: failed to list versions", "bucket", bucket, "error", err)
			return
		}
		for _, v := range out.Versions {
			if v.IsLatest || v.IsDeleteMarker {
				continue
			}
			byKey[v.Key] = append(byKey[v.Key], v)
		}
		if !out.IsTruncated {
			break
		}
		keyMarker, versionMarker = out.NextKeyMarker, out.NextVersionIDMarker
	}

	for key, versions := range byKey {
		// Already ordered lastModified-descending by the store; the
		// first `keep` entries are the newest noncurrent versions.
		for i, v := range versions {
			if i < keep {
				continue
			}
			if v.BecameNoncurrentAt != 0 && v.BecameNoncurrentAt > cutoff {
				continue
			}
			if _, err := p.engine.DeleteObject(ctx, engine.DeleteObjectInput{Bucket: bucket, Key: key, VersionID: v.VersionID}); err != nil {
				p.log.Warnw("lifecycle sweep: failed to expire noncurrent version", "bucket", bucket, "key", key, "versionId", v.VersionID, "error", err)
				continue
			}
			p.log.Infow("lifecycle: expired noncurrent version", "bucket", bucket, "key", key, "versionId", v.VersionID, "rule", rule.ID)
		}
	}
}

func isNoSuchBucket(err error) bool {
	return errors.Is(err, engine.ErrNoSuchBucket)
}
