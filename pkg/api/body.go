package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/AppLetico/clasper/pkg/errs"
)

func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		if isBodyTooLarge(err) {
			return nil, errs.Wrap(errs.KindPayloadTooLarge, "request body exceeds limit", err)
		}
		return nil, errs.Wrap(errs.KindSchemaInvalid, "unreadable request body", err)
	}
	return raw, nil
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
