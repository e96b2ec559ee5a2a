// Package s3 archives snapshots to Amazon S3.
//
// S3 cannot compare-and-swap, so the LATEST pointer lives in a DynamoDB
// table written with conditional puts. Every committed snapshot is one
// item; the pointer resolves to the highest sequence within the archive's
// partition, which keeps it monotonic even with concurrent writers.
//
// Table schema:
//   - Partition key: archive (string) - "s3://bucket/prefix"
//   - Sort key: seq (number) - the snapshot sequence
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name mnemo-archive \
//	  --attribute-definitions AttributeName=archive,AttributeType=S AttributeName=seq,AttributeType=N \
//	  --key-schema AttributeName=archive,KeyType=HASH AttributeName=seq,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
package s3
