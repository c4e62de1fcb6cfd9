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

package log

import (
	"context"
	"testing"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/constants"
	"github.com/openwrt-tools/imagegen/testutil"
)

func TestEntryTaskFields(t *testing.T) {
	tests := []struct {
		description     string
		ctx             context.Context
		expectedTask    constants.Phase
		expectedSubtask string
	}{
		{
			description:     "untagged context falls back to the main task",
			ctx:             context.Background(),
			expectedTask:    constants.Main,
			expectedSubtask: constants.SubtaskIDNone,
		},
		{
			description:     "tagged context carries task and subtask",
			ctx:             WithEventContext(context.Background(), constants.Flash, "sdb"),
			expectedTask:    constants.Flash,
			expectedSubtask: "sdb",
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			entry := Entry(test.ctx)

			testutil.CheckDeepEqual(t, test.expectedTask, entry.Data["task"])
			testutil.CheckDeepEqual(t, test.expectedSubtask, entry.Data["subtask"])
		})
	}
}
