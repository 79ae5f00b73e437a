// Copyright 2020 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package uwmf

// This file contains various cloud account specific stuff; change this if
// you want to use the cloud functionality on your own site.

const defaultAwsRegion = `eu-west-2`

// Queue names
const (
	queueRestore = "uwmfrestore"
	queueAnalyse = "uwmfanalyse"
	queueTest    = "uwmftest"
)

// Storage bucket names
const (
	storageWip = "uwmfinprogress"
)
