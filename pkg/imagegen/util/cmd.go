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

package util

import (
	"os/exec"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultExecCommand runs commands using exec.Cmd. Tests swap it out.
var DefaultExecCommand Command = &Commander{}

// Command runs external commands. Packages use this interface instead of
// calling exec.Cmd directly so the subprocess boundary stays mockable.
type Command interface {
	RunCmd(cmd *exec.Cmd) error
}

func RunCmd(cmd *exec.Cmd) error {
	return DefaultExecCommand.RunCmd(cmd)
}

// Commander is the exec.Cmd implementation of the Command interface.
type Commander struct{}

// RunCmd starts the command and waits for it. A start failure is wrapped;
// a non-zero exit comes back as the bare *exec.ExitError so callers can
// pull the exit code out of it.
func (*Commander) RunCmd(cmd *exec.Cmd) error {
	logrus.Debugf("Running command: %s", cmd.Args)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting command %v", cmd.Args)
	}
	return cmd.Wait()
}
