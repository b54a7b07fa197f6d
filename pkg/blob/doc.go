/*
Package blob implements the two byte-store tiers behind the version index.

The local store keeps payloads on a filesystem under
base/tenant/xx/yy/zz/uid/version_ts, where xx/yy/zz are uid prefix bytes that
bound directory fan-out. It may gzip and AES-CTR-encrypt payloads on the way
in; both codecs round-trip transparently on the way out.

The remote store is an S3-compatible bucket keyed tenant/uid/version_ts and
is append-only: a key is written once and never deleted or overwritten with
different bytes.
*/
package blob
