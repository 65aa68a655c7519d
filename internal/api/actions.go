package api

// S3 action names used for authorization checks (iam.Authorize), matching
// the names real bucket policies use.
const (
	actionListAllMyBuckets        = "s3:ListAllMyBuckets"
	actionCreateBucket            = "s3:CreateBucket"
	actionDeleteBucket            = "s3:DeleteBucket"
	actionListBucket              = "s3:ListBucket"
	actionListBucketVersions      = "s3:ListBucketVersions"
	actionListMultipartUploads    = "s3:ListBucketMultipartUploads"
	actionGetBucketPolicy         = "s3:GetBucketPolicy"
	actionPutBucketPolicy         = "s3:PutBucketPolicy"
	actionDeleteBucketPolicy      = "s3:DeleteBucketPolicy"
	actionGetBucketACL            = "s3:GetBucketAcl"
	actionPutBucketACL            = "s3:PutBucketAcl"
	actionGetBucketTagging        = "s3:GetBucketTagging"
	actionPutBucketTagging        = "s3:PutBucketTagging"
	actionDeleteBucketTagging     = "s3:DeleteBucketTagging"
	actionGetBucketVersioning     = "s3:GetBucketVersioning"
	actionPutBucketVersioning     = "s3:PutBucketVersioning"
	actionGetLifecycleConfig      = "s3:GetLifecycleConfiguration"
	actionPutLifecycleConfig      = "s3:PutLifecycleConfiguration"
	actionGetObject               = "s3:GetObject"
	actionGetObjectVersion        = "s3:GetObjectVersion"
	actionPutObject               = "s3:PutObject"
	actionDeleteObject            = "s3:DeleteObject"
	actionDeleteObjectVersion     = "s3:DeleteObjectVersion"
	actionGetObjectACL            = "s3:GetObjectAcl"
	actionPutObjectACL            = "s3:PutObjectAcl"
	actionGetObjectTagging        = "s3:GetObjectTagging"
	actionPutObjectTagging        = "s3:PutObjectTagging"
	actionDeleteObjectTagging     = "s3:DeleteObjectTagging"
	actionListMultipartUploadParts = "s3:ListMultipartUploadParts"
)
