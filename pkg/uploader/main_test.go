// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package uploader_test

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
