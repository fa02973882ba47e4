// Package logx is pewspeed's structured logger, a thin layer over zerolog.
//
// Console output is human readable with a short file:line caller, the
// optional file sink is JSON lines. Service lets speedserver swap level and
// sinks on config reload while every derived Logger stays live. Hot paths
// such as per-request access logs use Sampled to bound their volume.
package logx
