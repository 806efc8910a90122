package rbyd

import "golang.org/x/xerrors"

func xerrInval(format string, args ...interface{}) error {
	return xerrors.Errorf(format, args...)
}
