// Package service implements the gRPC-facing REAPI and Bots services,
// wiring the scheduler, CAS, Action Cache, Operation registry, bot sessions,
// quotas, and credential validator together. Request/response shapes follow
// please's src/remote/blobs.go (byteStreamUploadName/byteStreamDownloadName)
// and remote.go's Execute/WaitExecution client usage, mirrored here
// server-side.
package service

import (
	"fmt"
	"strconv"
	"strings"
)

// resourceName is a parsed ByteStream resource name, either:
//
//	[instance/]blobs/<hash>/<size>
//	[instance/]uploads/<uuid>/blobs/<hash>/<size>[/filename...]
type resourceName struct {
	Instance string
	Hash     string
	Size     int64
	IsUpload bool
}

func parseResourceName(name string) (resourceName, error) {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		if p != "blobs" {
			continue
		}
		if i+2 >= len(parts) {
			break
		}
		size, err := strconv.ParseInt(parts[i+2], 10, 64)
		if err != nil {
			return resourceName{}, fmt.Errorf("invalid resource name %q: bad size", name)
		}
		isUpload := i >= 2 && parts[i-2] == "uploads"
		prefixEnd := i
		if isUpload {
			prefixEnd = i - 2
		}
		return resourceName{
			Instance: strings.Join(parts[:prefixEnd], "/"),
			Hash:     parts[i+1],
			Size:     size,
			IsUpload: isUpload,
		}, nil
	}
	return resourceName{}, fmt.Errorf("invalid resource name %q: no blobs/ segment", name)
}
