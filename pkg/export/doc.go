// Package export writes stored health series out as JSON or CSV and reads
// JSON exports back in.
//
// Exports read through storage.Storage.Query, so compacted ranges appear as
// their bucket averages. Importing an export appends every point as a raw
// sample; a later compaction pass folds them back into buckets.
//
// # JSON format
//
//	{
//	  "metadata": {
//	    "exported_at": "2025-11-19T02:30:00Z",
//	    "start_time": "2025-11-18T02:30:00Z",
//	    "end_time": "2025-11-19T02:30:00Z",
//	    "point_count": 2,
//	    "format": "json",
//	    "version": "1.0"
//	  },
//	  "series": {
//	    "cpu": [{"time": 1763519400, "value": 12.5}],
//	    "latency": [{"time": 1763519400, "value": 48}]
//	  }
//	}
//
// # CSV format
//
//	timestamp,kind,value
//	2025-11-19T02:30:00Z,cpu,12.5
//
// Import validates each point and skips invalid ones rather than failing the
// whole file; skipped points are listed in ImportResult.Errors.
package export
