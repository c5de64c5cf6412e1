package code

import "golang.org/x/sys/unix"

const mapFixedNoReplace = unix.MAP_FIXED_NOREPLACE
