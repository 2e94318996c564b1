//go:build llama

package llamacpp

// Link against libllama next to the built binary (rpath $ORIGIN) and in
// ./bin at build time.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../../bin -lllama
*/
import "C"
