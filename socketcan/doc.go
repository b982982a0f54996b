// Package socketcan binds the Linux kernel SocketCAN interface as a
// canbus transport named "socketcan". On other platforms the package is
// empty and nothing is registered.
package socketcan
