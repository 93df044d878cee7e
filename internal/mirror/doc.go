// Package mirror keeps a local file copy of remotely recorded sessions.
//
// Layout under the data root:
//
//	raw/{mode}/_meta.json        index of downloaded session metadata
//	raw/{mode}/{sessionId}.json  meta, decoded events, other data
//
// FileStore is the document layer: JSON and CSV reads and writes confined
// to the root. Syncer pulls sessions whose remote lastUpdateTime is newer
// than their local _downloadTime. SessionList, EventRows and
// MakeVersionInfo shape mirrored data for export.
package mirror
