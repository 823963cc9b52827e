// Package priority ranks listener clients for polling.
//
// Each listener client owns a live Metrics record. A rebuild reads a
// consistent copy of every record, asks a Policy for an ordering key and
// freezes the result as an immutable Snapshot grouped into levels by
// partition priority. The drain loop takes reservations from the snapshot
// level by level; a closed snapshot grants no new reservations.
package priority
