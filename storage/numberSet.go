////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"sort"
	"strconv"
	"strings"
)

// Pending attachment numbers are persisted as comma-separated ascending
// integers ("0,2,5"); the empty string is the empty set. The encoding is part
// of the recipient-info row format and must stay stable.

// ParseNumberSet decodes the persisted form. Malformed elements are dropped.
func ParseNumberSet(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// EncodeNumberSet encodes nums in the persisted form.
func EncodeNumberSet(nums []int) string {
	if len(nums) == 0 {
		return ""
	}
	sorted := make([]int, len(nums))
	copy(sorted, nums)
	sort.Ints(sorted)

	parts := make([]string, len(sorted))
	for i, n := range sorted {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// NumberSetUpTo returns the encoding of {0, 1, ..., n-1}.
func NumberSetUpTo(n int) string {
	nums := make([]int, n)
	for i := range nums {
		nums[i] = i
	}
	return EncodeNumberSet(nums)
}

// RemoveNumber returns the set with n removed and whether it was present.
func RemoveNumber(s string, n int) (string, bool) {
	nums := ParseNumberSet(s)
	for i, v := range nums {
		if v == n {
			return EncodeNumberSet(append(nums[:i], nums[i+1:]...)), true
		}
	}
	return s, false
}

// ContainsNumber reports whether n is in the set.
func ContainsNumber(s string, n int) bool {
	for _, v := range ParseNumberSet(s) {
		if v == n {
			return true
		}
	}
	return false
}
