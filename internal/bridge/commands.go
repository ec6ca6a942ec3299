package bridge

import "strings"

// StatusDevice is the device-listing status of an authorised, online device.
const StatusDevice = "device"

// FocusMarker is the window-manager field that names the focused window.
const FocusMarker = "mCurrentFocus"

// VersionMarker precedes the installed version in package dumps.
const VersionMarker = "versionName="

func scoped(serial string, args ...string) []string {
	return append([]string{"-s", serial}, args...)
}

// DevicesArgs lists connected devices.
func DevicesArgs() []string {
	return []string{"devices"}
}

// ModelArgs queries the human-readable model name of a device.
func ModelArgs(serial string) []string {
	return scoped(serial, "shell", "getprop", "ro.product.model")
}

// MkdirArgs creates dir (and parents) on the device.
func MkdirArgs(serial, dir string) []string {
	return scoped(serial, "shell", "mkdir", "-p", dir)
}

// ClearArgs removes the contents of dir. The glob expands on the device.
func ClearArgs(serial, dir string) []string {
	return scoped(serial, "shell", "rm", "-f", strings.TrimRight(dir, "/")+"/*")
}

// PushArgs copies local to remote.
func PushArgs(serial, local, remote string) []string {
	return scoped(serial, "push", local, remote)
}

// SyncArgs flushes device filesystem buffers.
func SyncArgs(serial string) []string {
	return scoped(serial, "shell", "sync")
}

// FocusArgs queries the focused window. The pipe runs in the device shell.
func FocusArgs(serial string) []string {
	return scoped(serial, "shell", "dumpsys", "window", "|", "grep", FocusMarker)
}

// LaunchArgs starts component (package/activity).
func LaunchArgs(serial, component string) []string {
	return scoped(serial, "shell", "am", "start", "-n", component)
}

// BroadcastArgs sends the open-file broadcast to pkg.
func BroadcastArgs(serial, action, pkg string) []string {
	return scoped(serial, "shell", "am", "broadcast", "-a", action, "-p", pkg, "--es", "message", "openfile")
}

// PackageVersionArgs queries the installed versionName of pkg.
func PackageVersionArgs(serial, pkg string) []string {
	return scoped(serial, "shell", "dumpsys", "package", pkg, "|", "grep", "versionName")
}

// InstallArgs installs (or replaces) an application package.
func InstallArgs(serial, apkPath string) []string {
	return scoped(serial, "install", "-r", apkPath)
}

// RemotePath joins a remote directory and file name with a single slash.
func RemotePath(dir, name string) string {
	return strings.TrimRight(dir, "/") + "/" + strings.TrimLeft(name, "/")
}
