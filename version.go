// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

// Version is the semantic version of the crate tool. Manifests may pin
// a required-crate-version constraint against it.
var Version = "0.4.0"
