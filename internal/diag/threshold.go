// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !diagdebug

package diag

// Threshold is the lowest severity the formatted helpers record.
const Threshold = SeverityError
