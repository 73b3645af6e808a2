// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package logstream

import (
	"io"
)

// Writer is the sink a log replacer wraps. Open prepares the underlying
// sink, Start begins any background flushing, and Error reports the first
// write failure recorded.
type Writer interface {
	io.WriteCloser
	Open() error
	Start()
	Error() error
}
