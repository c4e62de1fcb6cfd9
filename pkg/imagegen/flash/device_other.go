/*
Copyright 2024 The Imagegen Authors

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

//go:build !linux

package flash

import (
	"os"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
)

func deviceSize(path string) (int64, error) {
	return 0, errors.New(errors.Precondition, "flashing block devices is only supported on linux")
}

func flushBufferCache(*os.File) error {
	return errors.New(errors.Precondition, "flashing block devices is only supported on linux")
}

func openExclusive(string, bool) (*os.File, error) {
	return nil, errors.New(errors.Precondition, "flashing block devices is only supported on linux")
}
