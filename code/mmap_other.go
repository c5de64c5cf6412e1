//go:build unix && !linux

package code

const mapFixedNoReplace = 0
