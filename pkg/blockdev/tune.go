// Copyright © 2019 NVIDIA Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blockdev

import (
	"fmt"
	"io"
	"os"
	"path"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	devfs = "/dev"
	sysfs = "/sys"
)

func init() {
	if dpath := os.Getenv("DEVFS"); dpath != "" {
		devfs = dpath
	}
	if spath := os.Getenv("SYSFS"); spath != "" {
		sysfs = spath
	}
}

// TuneDeviceQueue adjusts the kernel queue of bdev for remote, read-only
// media. Failures are logged and otherwise ignored.
func TuneDeviceQueue(bdev BlockDevice) {
	log := zap.L().Named("blockdev").With(zap.String("path", bdev.DevicePath()))

	devpath, err := canonicalizeBlockDevice(bdev.DevicePath())
	if err != nil {
		log.Warn("canonicalize", zap.Error(err))
		return
	}
	base := path.Base(devpath)
	queue := path.Join(sysfs, "block", base, "queue")

	for _, kv := range [][2]string{
		{"scheduler", "noop"},
		{"read_ahead_kb", "4096"},
		{"rotational", "0"},
	} {
		if err := sysfsWriteFull(path.Join(queue, kv[0]), []byte(kv[1])); err != nil {
			log.Warn("set queue attribute", zap.String("attr", kv[0]), zap.Error(err))
		}
	}

	fd, err := unix.Open(path.Join(devfs, base), unix.O_RDONLY, 0)
	if err != nil {
		log.Warn("open", zap.Error(err))
		return
	}
	defer unix.Close(fd)

	rdonly := 1
	if _, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKROSET, uintptr(unsafe.Pointer(&rdonly))); e != 0 {
		log.Warn("set read-only", zap.Error(e))
	}
}

func canonicalizeBlockDevice(devpath string) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(devpath, &st); err != nil {
		return "", err
	}

	rdev := uint64(st.Rdev)
	symlink := path.Join(sysfs, "dev", "block", fmt.Sprintf("%d:%d", unix.Major(rdev), unix.Minor(rdev)))
	dst, err := os.Readlink(symlink)
	if err != nil {
		return "", err
	}
	sysfsDevPath := path.Clean(path.Join(symlink, dst))
	return path.Join(devfs, path.Base(sysfsDevPath)), nil
}

func sysfsWriteFull(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0200)
	if err != nil {
		return err
	}
	n, err := f.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err1 := f.Close(); err == nil {
		err = err1
	}
	return err
}
