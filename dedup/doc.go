// Package dedup records message identifiers that were already handled.
//
// The before-consuming Check stage drops a delivery whose identifier has an
// unexpired record, and the after-consuming Recorder stage writes the record
// once handlers succeed. Stores are safe for concurrent use by all consumer
// workers; expired records are removed by a background Cleaner.
package dedup
