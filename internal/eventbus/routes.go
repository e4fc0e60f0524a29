// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package eventbus

import "strings"

// StreamForType maps a job type tag onto the stream that carries it.
// Inference work is the default partition.
func StreamForType(jobType string) Stream {
	switch {
	case strings.HasPrefix(jobType, "preload"):
		return Preloads
	case strings.HasPrefix(jobType, "ingest"):
		return IngestEvents
	case strings.HasPrefix(jobType, "control"):
		return Control
	default:
		return InferenceJobs
	}
}
