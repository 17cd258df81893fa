// Package storage uploads task artifacts to an object store and produces
// the manifests recorded on completed tasks.
//
// The Bucket interface is implemented by LocalBucket for single-node and test
// deployments and by the gcs package for Google Cloud Storage. Uploader adds
// content-type sniffing, bounded parallelism and per-object retries on top of
// any Bucket.
package storage
