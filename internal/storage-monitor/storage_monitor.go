/*
Copyright 2024 Elevizion Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storagemonitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"
)

// usageFunc is replaced in tests.
var usageFunc = disk.UsageWithContext

// Usage is the disk state of the filesystem holding Path.
type Usage struct {
	Path        string  `json:"path"`
	Free        uint64  `json:"free"`
	Total       uint64  `json:"total"`
	UsedPercent float64 `json:"used_percent"`
}

// InsufficientSpaceError reports a filesystem with less than the required
// free bytes.
type InsufficientSpaceError struct {
	Path     string
	Free     uint64
	Required uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: %d MB free, %d MB required", e.Path, e.Free>>20, e.Required>>20)
}

// Check reads the usage of the filesystem holding path and fails when fewer
// than minFree bytes are available.
func Check(ctx context.Context, path string, minFree uint64) (*Usage, error) {
	stat, err := usageFunc(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read disk usage of %s: %w", path, err)
	}

	usage := &Usage{Path: path, Free: stat.Free, Total: stat.Total, UsedPercent: stat.UsedPercent}
	if stat.Free < minFree {
		logrus.WithFields(logrus.Fields{
			"path":         path,
			"free_mb":      stat.Free >> 20,
			"used_percent": stat.UsedPercent,
		}).Warn("disk space below threshold")
		return usage, &InsufficientSpaceError{Path: path, Free: stat.Free, Required: minFree}
	}
	return usage, nil
}
