/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package common

import (
	"strings"

	"github.com/consensys/gnark-crypto/ecc"
)

// PanicIfEmpty panics if the given string is empty
func PanicIfEmpty(val string, msg string) {
	if val == "" {
		panic(msg)
	}
}

// StringOrNil returns the given string or nil when empty
func StringOrNil(str string) *string {
	if str == "" {
		return nil
	}
	return &str
}

// GnarkCurveIDFactory returns an ecc curve id corresponding to the input name
func GnarkCurveIDFactory(curveID *string) ecc.ID {
	if curveID == nil {
		return ecc.UNKNOWN
	}

	switch strings.ToLower(*curveID) {
	case ecc.BLS12_377.String():
		return ecc.BLS12_377
	case ecc.BLS12_381.String():
		return ecc.BLS12_381
	case ecc.BN254.String():
		return ecc.BN254
	case ecc.BW6_761.String():
		return ecc.BW6_761
	case ecc.BLS24_315.String():
		return ecc.BLS24_315
	default:
		return ecc.UNKNOWN
	}
}
