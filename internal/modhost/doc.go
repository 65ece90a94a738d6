// Package modhost is the boundary to the artifact store that actually holds
// installed units. Hosts enumerate, install, start, stop, and uninstall units;
// they do not track who asked for a unit. Reference counting lives in the
// sponsor package.
package modhost
