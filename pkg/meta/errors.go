package meta

import "errors"

// Engine errors. The FUSE adapter maps these onto errnos; everything
// unrecognized becomes EIO.
var (
	ErrNotFound  = errors.New("not found")
	ErrExist     = errors.New("already exists")
	ErrNotDir    = errors.New("not a directory")
	ErrIsDir     = errors.New("is a directory")
	ErrNotEmpty  = errors.New("directory not empty")
	ErrInvalid   = errors.New("invalid argument")
	ErrNoSpace   = errors.New("no free inodes")
	ErrNotPermit = errors.New("operation not permitted")
	ErrIO        = errors.New("i/o error")
)
